package constant

// ServiceName identifies the service in logs, metrics and traces.
const ServiceName = "landmark-backend"

// Constants for request headers
const HeaderRequestIDKey = "X-Request-Id"
const HeaderContentType = "Content-Type"
const ContentTypeJSON = "application/json"

// PretrainedCacheKeyPrefix namespaces cached pretrained weights in redis.
const PretrainedCacheKeyPrefix = "landmark:pretrained:"
