package middleware

import (
	"regexp"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
)

var healthCheckMethod = regexp.MustCompile(`^/grpc\.health\.v1\.Health/`)

// RecoveryInterceptorOpt - panic handler
func RecoveryInterceptorOpt() grpc_recovery.Option {
	return grpc_recovery.WithRecoveryHandler(func(p interface{}) (err error) {
		return status.Errorf(codes.Unknown, "panic triggered: %v", p)
	})
}

// LoggingDecider skips successful health checks, everything else is logged.
func LoggingDecider() grpc_zap.Option {
	return grpc_zap.WithDecider(func(fullMethodName string, err error) bool {
		if err == nil && healthCheckMethod.MatchString(fullMethodName) {
			return false
		}
		return true
	})
}
