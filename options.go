package satori

import "log/slog"

// Option configures an Engine.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger      *slog.Logger
	databaseURL string
	version     string
	llmClient   LLMClient
	matcher     Matcher
	vendors     VendorDirectory
	sink        ResultSink
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithLLMClient replaces the built-in Anthropic transport. Use this to route
// calls through a proxy or a different provider.
func WithLLMClient(c LLMClient) Option {
	return func(o *resolvedOptions) { o.llmClient = c }
}

// WithMatcher wires the host's matching engine as the run_matching tool.
// Without it the tool is not registered.
func WithMatcher(m Matcher) Option {
	return func(o *resolvedOptions) { o.matcher = m }
}

// WithVendorDirectory wires the host's vendor lookup as the lookup_vendor
// tool. Without it the tool is not registered.
func WithVendorDirectory(v VendorDirectory) Option {
	return func(o *resolvedOptions) { o.vendors = v }
}

// WithResultSink wires the host's result persistence as the save_results
// tool. Without it the tool is not registered.
func WithResultSink(s ResultSink) Option {
	return func(o *resolvedOptions) { o.sink = s }
}
