package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FOUNDRY_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides configuration from FOUNDRY_* environment variables.
// Env sits between the config file and CLI flags in precedence.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := envReader{lookup: lookup}

	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("LOG_DIR", &c.LogDir)

	e.integer("MAX_ITERATIONS", &c.Pipeline.MaxIterations)
	e.integer("SANDBOX_RETRIES", &c.Pipeline.SandboxRetries)
	e.integer("MAX_CONCURRENCY", &c.Pipeline.MaxConcurrency)
	e.duration("CAPABILITY_TIMEOUT", &c.Pipeline.CapabilityTimeout)
	e.duration("RUN_TIMEOUT", &c.Pipeline.RunTimeout)
	e.str("WORKSPACE_ROOT", &c.Pipeline.WorkspaceRoot)

	e.str("SANDBOX_BACKEND", &c.Sandbox.Backend)
	e.boolean("ALLOW_FALLBACK", &c.Sandbox.AllowFallback)
	e.str("DOCKER_BIN", &c.Sandbox.DockerBin)

	e.str("ESCALATION_BLOB", &c.Escalation.Blob)
	e.str("ESCALATION_ROOT", &c.Escalation.Root)
	e.str("CHECKOUT_ROOT", &c.Escalation.CheckoutRoot)
	e.str("HANDLE_BASE", &c.Escalation.HandleBase)
	e.str("MINIO_ENDPOINT", &c.Escalation.MinIO.Endpoint)
	e.str("MINIO_ACCESS_KEY", &c.Escalation.MinIO.AccessKey)
	e.str("MINIO_SECRET_KEY", &c.Escalation.MinIO.SecretKey)
	e.str("MINIO_BUCKET", &c.Escalation.MinIO.Bucket)
	e.str("MINIO_REGION", &c.Escalation.MinIO.Region)
	e.boolean("MINIO_USE_SSL", &c.Escalation.MinIO.UseSSL)

	e.str("STORE_DRIVER", &c.Store.Driver)
	e.str("STORE_DSN", &c.Store.DSN)

	return e.err
}

// envReader keeps the first parse error so call sites stay flat.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	return e.lookup(EnvPrefix + key)
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			e.err = fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
			return
		}
		*dst = i
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.err = fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.err = fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
			return
		}
		*dst = d
	}
}
