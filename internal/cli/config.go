package cli

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	changestream "github.com/durable-streams/changestream-go"
	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/yaml.v3"
)

// Config describes one tailed change stream. It is read from a YAML file;
// command-line flags override its fields.
//
//	uri: mongodb://localhost:27017/?replicaSet=rs0
//	namespace: shop.orders
//	pipeline: '[{"$match": {"operationType": "insert"}}]'
//	full_document: updateLookup
//	max_await: 5s
//	checkpoint:
//	  dir: /var/lib/changestream-tail
//	  key: orders
type Config struct {
	URI          string           `yaml:"uri"`
	Namespace    string           `yaml:"namespace"`
	Pipeline     string           `yaml:"pipeline"`
	FullDocument string           `yaml:"full_document"`
	BatchSize    int32            `yaml:"batch_size"`
	MaxAwait     time.Duration    `yaml:"max_await"`
	ResumeAfter  string           `yaml:"resume_after"`
	StartAfter   string           `yaml:"start_after"`
	Canonical    bool             `yaml:"canonical"`
	Checkpoint   CheckpointConfig `yaml:"checkpoint"`
}

// CheckpointConfig enables a bbolt checkpoint store.
type CheckpointConfig struct {
	Dir string `yaml:"dir"`
	Key string `yaml:"key"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		URI:      "mongodb://localhost:27017",
		MaxAwait: time.Second,
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
// Unknown fields are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that can be checked without a server.
func (c *Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("uri is required")
	}
	if _, err := c.ParsePipeline(); err != nil {
		return err
	}
	switch changestream.FullDocumentMode(c.FullDocument) {
	case "", changestream.FullDocumentDefault, changestream.FullDocumentUpdateLookup,
		changestream.FullDocumentWhenAvailable, changestream.FullDocumentRequired:
	default:
		return fmt.Errorf("unknown full_document mode %q", c.FullDocument)
	}
	if c.ResumeAfter != "" && c.StartAfter != "" {
		return fmt.Errorf("resume_after and start_after are mutually exclusive")
	}
	if (c.Checkpoint.Dir == "") != (c.Checkpoint.Key == "") {
		return fmt.Errorf("checkpoint needs both dir and key")
	}
	return nil
}

// ParsePipeline decodes the pipeline, an extended JSON array of stages.
func (c *Config) ParsePipeline() ([]bson.D, error) {
	if strings.TrimSpace(c.Pipeline) == "" {
		return nil, nil
	}
	var wrapper struct {
		Pipeline []bson.D `bson:"pipeline"`
	}
	if err := bson.UnmarshalExtJSON([]byte(`{"pipeline":`+c.Pipeline+`}`), false, &wrapper); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	return wrapper.Pipeline, nil
}

// SplitNamespace splits "db.coll" into its parts. An empty namespace
// watches the whole deployment and "db" a whole database.
func (c *Config) SplitNamespace() (db, coll string) {
	db, coll, _ = strings.Cut(c.Namespace, ".")
	return db, coll
}

// WatchOptions converts the config into stream options. The checkpoint
// store is added by the caller.
func (c *Config) WatchOptions() ([]changestream.WatchOption, error) {
	var opts []changestream.WatchOption
	if c.FullDocument != "" {
		opts = append(opts, changestream.WithFullDocument(changestream.FullDocumentMode(c.FullDocument)))
	}
	if c.BatchSize != 0 {
		opts = append(opts, changestream.WithBatchSize(c.BatchSize))
	}
	if c.MaxAwait != 0 {
		opts = append(opts, changestream.WithMaxAwaitTime(c.MaxAwait))
	}
	if c.ResumeAfter != "" {
		token, err := parseToken(c.ResumeAfter)
		if err != nil {
			return nil, fmt.Errorf("invalid resume_after: %w", err)
		}
		opts = append(opts, changestream.WithResumeAfter(token))
	}
	if c.StartAfter != "" {
		token, err := parseToken(c.StartAfter)
		if err != nil {
			return nil, fmt.Errorf("invalid start_after: %w", err)
		}
		opts = append(opts, changestream.WithStartAfter(token))
	}
	return opts, nil
}

// parseToken decodes a resume token written as extended JSON.
func parseToken(s string) (bson.Raw, error) {
	var token bson.Raw
	if err := bson.UnmarshalExtJSON([]byte(s), false, &token); err != nil {
		return nil, err
	}
	return token, nil
}
