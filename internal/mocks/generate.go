// Package mocks provides gomock implementations of the engine's external ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	solver := mocks.NewMockCaptchaService(ctrl)
//	solver.EXPECT().SubmitCaptchaInformation(gomock.Any(), gomock.Any()).Return("tx-1", nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=captcha_service_mock.go github.com/target/mmk-dbp/internal/core CaptchaService

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=email_service_mock.go github.com/target/mmk-dbp/internal/core EmailService

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=run_lock_mock.go github.com/target/mmk-dbp/internal/core RunLock
