package logging

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Config logs to the config category
func Config(format string, args ...interface{}) {
	Get(CategoryConfig).Info(format, args...)
}

func ConfigDebug(format string, args ...interface{}) {
	Get(CategoryConfig).Debug(format, args...)
}

func ConfigWarn(format string, args ...interface{}) {
	Get(CategoryConfig).Warn(format, args...)
}

func ConfigError(format string, args ...interface{}) {
	Get(CategoryConfig).Error(format, args...)
}

// Session logs to the session category
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}

func SessionWarn(format string, args ...interface{}) {
	Get(CategorySession).Warn(format, args...)
}

func SessionError(format string, args ...interface{}) {
	Get(CategorySession).Error(format, args...)
}

// Coordinator logs to the coordinator category
func Coordinator(format string, args ...interface{}) {
	Get(CategoryCoordinator).Info(format, args...)
}

func CoordinatorDebug(format string, args ...interface{}) {
	Get(CategoryCoordinator).Debug(format, args...)
}

func CoordinatorWarn(format string, args ...interface{}) {
	Get(CategoryCoordinator).Warn(format, args...)
}

func CoordinatorError(format string, args ...interface{}) {
	Get(CategoryCoordinator).Error(format, args...)
}

// Registry logs to the registry category
func Registry(format string, args ...interface{}) {
	Get(CategoryRegistry).Info(format, args...)
}

func RegistryDebug(format string, args ...interface{}) {
	Get(CategoryRegistry).Debug(format, args...)
}

func RegistryWarn(format string, args ...interface{}) {
	Get(CategoryRegistry).Warn(format, args...)
}

func RegistryError(format string, args ...interface{}) {
	Get(CategoryRegistry).Error(format, args...)
}

// Bus logs to the bus category
func Bus(format string, args ...interface{}) {
	Get(CategoryBus).Info(format, args...)
}

func BusDebug(format string, args ...interface{}) {
	Get(CategoryBus).Debug(format, args...)
}

func BusWarn(format string, args ...interface{}) {
	Get(CategoryBus).Warn(format, args...)
}

func BusError(format string, args ...interface{}) {
	Get(CategoryBus).Error(format, args...)
}

// Graph logs to the graph category
func Graph(format string, args ...interface{}) {
	Get(CategoryGraph).Info(format, args...)
}

func GraphDebug(format string, args ...interface{}) {
	Get(CategoryGraph).Debug(format, args...)
}

func GraphWarn(format string, args ...interface{}) {
	Get(CategoryGraph).Warn(format, args...)
}

func GraphError(format string, args ...interface{}) {
	Get(CategoryGraph).Error(format, args...)
}

// Workers logs to the workers category
func Workers(format string, args ...interface{}) {
	Get(CategoryWorkers).Info(format, args...)
}

func WorkersDebug(format string, args ...interface{}) {
	Get(CategoryWorkers).Debug(format, args...)
}

func WorkersWarn(format string, args ...interface{}) {
	Get(CategoryWorkers).Warn(format, args...)
}

func WorkersError(format string, args ...interface{}) {
	Get(CategoryWorkers).Error(format, args...)
}

// Cache logs to the cache category
func Cache(format string, args ...interface{}) {
	Get(CategoryCache).Info(format, args...)
}

func CacheDebug(format string, args ...interface{}) {
	Get(CategoryCache).Debug(format, args...)
}

func CacheWarn(format string, args ...interface{}) {
	Get(CategoryCache).Warn(format, args...)
}

func CacheError(format string, args ...interface{}) {
	Get(CategoryCache).Error(format, args...)
}

// API logs to the api category
func API(format string, args ...interface{}) {
	Get(CategoryAPI).Info(format, args...)
}

func APIDebug(format string, args ...interface{}) {
	Get(CategoryAPI).Debug(format, args...)
}

func APIWarn(format string, args ...interface{}) {
	Get(CategoryAPI).Warn(format, args...)
}

func APIError(format string, args ...interface{}) {
	Get(CategoryAPI).Error(format, args...)
}

// Auth logs to the auth category
func Auth(format string, args ...interface{}) {
	Get(CategoryAuth).Info(format, args...)
}

func AuthDebug(format string, args ...interface{}) {
	Get(CategoryAuth).Debug(format, args...)
}

func AuthWarn(format string, args ...interface{}) {
	Get(CategoryAuth).Warn(format, args...)
}

func AuthError(format string, args ...interface{}) {
	Get(CategoryAuth).Error(format, args...)
}

// Client logs to the client category
func Client(format string, args ...interface{}) {
	Get(CategoryClient).Info(format, args...)
}

func ClientDebug(format string, args ...interface{}) {
	Get(CategoryClient).Debug(format, args...)
}

func ClientWarn(format string, args ...interface{}) {
	Get(CategoryClient).Warn(format, args...)
}

func ClientError(format string, args ...interface{}) {
	Get(CategoryClient).Error(format, args...)
}

// MCP logs to the mcp category
func MCP(format string, args ...interface{}) {
	Get(CategoryMCP).Info(format, args...)
}

func MCPDebug(format string, args ...interface{}) {
	Get(CategoryMCP).Debug(format, args...)
}

func MCPWarn(format string, args ...interface{}) {
	Get(CategoryMCP).Warn(format, args...)
}

func MCPError(format string, args ...interface{}) {
	Get(CategoryMCP).Error(format, args...)
}

// Telemetry logs to the telemetry category
func Telemetry(format string, args ...interface{}) {
	Get(CategoryTelemetry).Info(format, args...)
}

func TelemetryDebug(format string, args ...interface{}) {
	Get(CategoryTelemetry).Debug(format, args...)
}

func TelemetryWarn(format string, args ...interface{}) {
	Get(CategoryTelemetry).Warn(format, args...)
}

func TelemetryError(format string, args ...interface{}) {
	Get(CategoryTelemetry).Error(format, args...)
}
