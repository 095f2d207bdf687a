// Package mocks provides gomock implementations of the orchestrator's ports.
//
// The mocks are generated from the go:generate directives in internal/core and
// internal/provider. To regenerate them after interface changes, run:
//
//	go generate ./internal/core ./internal/provider
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	store := mocks.NewMockJobStore(ctrl)
//	store.EXPECT().Get(gomock.Any(), "job-1").Return(job, nil)
package mocks
