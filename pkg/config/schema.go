package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// schemaSource describes the shape of a config document. Definitions are
// closed, so unknown keys are rejected.
const schemaSource = `
#Duration: (string & =~"^-?([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$") | int

#Host: {
	id:                        string & !=""
	address:                   string & !=""
	port?:                     int & >=0 & <=65535
	user:                      string & !=""
	private_key_path?:         string
	private_key_passphrase?:   string
	password?:                 string
	known_hosts_path?:         string
	strict_host_key_checking?: bool
	connection_timeout?:       #Duration
	keep_alive_interval?:      #Duration
	proxy_host?:               string
	proxy_port?:               int & >=0 & <=65535
	proxy_user?:               string
	proxy_password?:           string
	proxy_private_key_path?:   string
}

#Telemetry: {
	service_name?:    string
	service_version?: string
	environment?:     string
	logging?: {
		level?:         "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "panic"
		format?:        "json" | "console"
		output?:        string
		enable_caller?: bool
		time_format?:   string
	}
	tracing?: {
		enabled?:        bool
		exporter?:       "otlp" | "stdout" | "none"
		endpoint?:       string
		sampling_rate?:  number & >=0 & <=1
		export_timeout?: #Duration
		headers?: {[string]: string}
		insecure?: bool
	}
	metrics?: {
		enabled?:          bool
		listen_address?:   string
		path?:             string
		namespace?:        string
		duration_buckets?: [...number]
	}
}

#Config: {
	transport?: "adb" | "ssh"
	adb?: {
		path?:       string & !=""
		extra_args?: [...string]
		temp_dir?:   string & =~"^/"
	}
	hosts?: [...#Host]
	retry?: {
		max_retries?:   int & >=0 & <=1000
		initial_delay?: #Duration
	}
	command_timeout?:  #Duration
	transfer_timeout?: #Duration
	cache?: {
		version_ttl?: #Duration
		process_ttl?: #Duration
	}
	dispatch?: max_parallel?: int & >=0
	wait?: {
		timeout?:       #Duration
		poll_interval?: #Duration
	}
	store?: path?: string
	policy?: {
		enabled?: bool
		paths?: [...string]
		watch?: bool
	}
	telemetry?: #Telemetry
}
`

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaVal  cue.Value
	schemaErr  error
)

func configSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		root := schemaCtx.CompileString(schemaSource, cue.Filename("devfleet.cue"))
		if err := root.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to compile config schema: %w", err)
			return
		}
		schemaVal = root.LookupPath(cue.ParsePath("#Config"))
		schemaErr = schemaVal.Err()
	})
	return schemaCtx, schemaVal, schemaErr
}

// ValidateDocument checks a raw YAML config document against the CUE
// schema. It catches unknown keys, wrong types and invalid enum values
// before the document is decoded.
func ValidateDocument(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return orchestrator.NewConfigurationError("failed to parse config", err)
	}
	if doc == nil {
		return nil
	}

	ctx, schema, err := configSchema()
	if err != nil {
		return err
	}

	val := ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return orchestrator.NewConfigurationError("failed to encode config", err)
	}

	if err := schema.Unify(val).Validate(); err != nil {
		return orchestrator.NewConfigurationError("config does not match schema", fmt.Errorf("%s", cueerrors.Details(err, nil)))
	}
	return nil
}
