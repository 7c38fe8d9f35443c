package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

const schemaSource = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Rule: {
	id:       string & !=""
	when:     string & !=""
	message?: string
}

#Stream: {
	disabled?: bool
	alerts?: [...#Rule]
}

#Config: {
	logging?: {
		level?:  =~"(?i)^(trace|debug|info|warn|error|fatal|panic|disabled)?$"
		format?: "json" | "text" | ""
		loki?: {
			enabled?: bool
			url?:     string
			labels?: {[string]: string}
		}
	}
	telemetry?: {
		enabled?: bool
		listen?:  string
	}
	workers?: {
		slice_timeout?:          #Duration
		window?:                 #Duration
		steering_angle?:         #Stream
		velocity?:               #Stream
		steering_torque_offset?: #Stream
	}
	ui?: {
		buffer?: int & >=0
	}
	journal?: {
		enabled?:       bool
		dir?:           string
		buffer?:        int & >=0
		poll_interval?: #Duration
	}
	uplink?: {
		enabled?:         bool
		broker?:          string
		client_id?:       string
		username?:        string
		password?:        string
		topic_prefix?:    string
		qos?:             int & >=0 & <=2
		retain?:          bool
		keep_alive?:      #Duration
		connect_timeout?: #Duration
		tls?: {
			enabled?:              bool
			ca_file?:              string
			cert_file?:            string
			key_file?:             string
			server_name?:          string
			insecure_skip_verify?: bool
		}
	}
	can?: {
		enabled?:         bool
		protocol?:        "udp" | "tcp" | ""
		address?:         string
		dbc?:             string
		read_timeout?:    #Duration
		dial_timeout?:    #Duration
		reconnect_delay?: #Duration
		buffer_size?:     int & >=0
		angle?: {
			message?:     string
			frame_id?:    string
			signal:       string & !=""
			rate_signal?: string
		}
		wheels?: {
			message?:    string
			frame_id?:   string
			front_left:  string & !=""
			front_right: string & !=""
			rear_left:   string & !=""
			rear_right:  string & !=""
		}
	}
	simulation?: {
		enabled?:         bool
		interval?:        #Duration
		seed?:            int
		noise?:           number & >=0
		angle_amplitude?: number
		angle_period?:    #Duration
		max_speed?:       number & >=0
		ramp_duration?:   #Duration
		torque_gain?:     number
	}
}
`

var (
	// cue contexts are not safe for concurrent use
	schemaMu    sync.Mutex
	schemaOnce  sync.Once
	schemaCtx   *cue.Context
	schemaValue cue.Value
	schemaErr   error
)

func loadSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		compiled := schemaCtx.CompileString(schemaSource, cue.Filename("steerlink.cue"))
		if err := compiled.Err(); err != nil {
			schemaErr = fmt.Errorf("compile config schema: %w", err)
			return
		}
		schemaValue = compiled.LookupPath(cue.ParsePath("#Config"))
		if err := schemaValue.Err(); err != nil {
			schemaErr = fmt.Errorf("lookup config schema: %w", err)
		}
	})
	return schemaCtx, schemaValue, schemaErr
}

// Validate checks raw YAML against the configuration schema.
func Validate(name string, raw []byte) error {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	ctx, schema, err := loadSchema()
	if err != nil {
		return err
	}
	file, err := cueyaml.Extract(name, raw)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", name, err)
	}
	data := ctx.BuildFile(file)
	if err := data.Err(); err != nil {
		return fmt.Errorf("build config %s: %w", name, err)
	}
	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validate config %s: %w", name, err)
	}
	return nil
}
