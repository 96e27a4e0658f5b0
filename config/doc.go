// Package config loads the comm daemon configuration.
//
// Configuration is built in layers: documented defaults, then each JSON file
// added to the Loader in order, then RAYZ_* environment variables. Only the
// keys present in a layer override what came before, so a file may set a
// single nested field such as relay.session_id without restating the rest.
//
//	loader := config.NewLoader()
//	loader.AddLayer("rayz.json")
//	loader.AddLayer("rayz.local.json")
//	cfg, err := loader.Load()
//
// Durations accept Go duration strings ("500ms", "30s") or a number of
// milliseconds.
//
// # Environment
//
//	RAYZ_MODE                   direct | relay
//	RAYZ_DEVICES                comma separated device ids
//	RAYZ_AUTO_RECONNECT         bool
//	RAYZ_RECONNECT_BASE_DELAY   duration
//	RAYZ_RECONNECT_MAX_DELAY    duration
//	RAYZ_MAX_RETRIES            int
//	RAYZ_CONNECTION_TIMEOUT     duration
//	RAYZ_HEARTBEAT_INTERVAL     duration, 0 disables heartbeats
//	RAYZ_BINARY_PROTOCOL        bool
//	RAYZ_SECURE_CONTEXT         bool
//	RAYZ_RELAY_URL              relay server URL
//	RAYZ_RELAY_CHANNEL_PREFIX   subject prefix
//	RAYZ_RELAY_SESSION_ID       shared session name
//	RAYZ_RELAY_CONNECT_TIMEOUT  duration
//	RAYZ_RELAY_PRESENCE_TTL     duration
//	RAYZ_RELAY_USERNAME         relay user, needs RAYZ_RELAY_PASSWORD
//	RAYZ_RELAY_PASSWORD         relay password
//	RAYZ_RELAY_TOKEN            relay auth token
//	RAYZ_RELAY_PING_INTERVAL    duration, 0 keeps the client default
//	RAYZ_METRICS_PORT           int, 0 disables the endpoint
//	RAYZ_METRICS_PATH           path
//
// Relay TLS (relay.tls: ca_files, min_version, cert_file, key_file,
// insecure_skip_verify) is file-only. Config.String masks the relay password
// and token.
//
// Load validates the result unless validation was disabled. Every problem
// found is reported in one error classified as invalid and wrapping
// errors.ErrInvalidConfig.
//
// Config files must be regular .json files no larger than 1MB; relative paths
// must stay inside the working directory.
package config
