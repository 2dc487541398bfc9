package config

// ConfigBackend abstracts where non-secret settings are persisted.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// SecretStore holds values that never go into the config file.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}
