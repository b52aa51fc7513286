package mock

//go:generate mockgen -destination service_mock.gen.go -package mock github.com/instill-ai/landmark-backend/pkg/service Service
