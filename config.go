package journal

import (
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the file representation of writer and vacuum settings.
//
//	compression: zstd
//	compress_threshold: 1KiB
//	codec_min_size:
//	  lz4: 80B
//	max_file_size: 128MiB
//	mode: "0640"
//	seal_state_file: /var/lib/journal/seal.state
//	log_level: info
//	vacuum:
//	  max_use: 4GiB
//	  keep_free: 1GiB
//	  max_age: 720h
type Config struct {
	// Compression is the codec name for new files: snappy, lz4, zstd or
	// none.
	Compression string `yaml:"compression"`

	// CompressThreshold is the minimum payload size for compression.
	CompressThreshold ByteSize `yaml:"compress_threshold"`

	// CodecMinSize raises the compression floor per codec name.
	CodecMinSize map[string]ByteSize `yaml:"codec_min_size,omitempty"`

	// Hash table buckets of new files.
	DataHashTableBuckets  int `yaml:"data_hash_table_buckets"`
	FieldHashTableBuckets int `yaml:"field_hash_table_buckets"`

	// MaxFileSize limits the size of a single file.
	MaxFileSize ByteSize `yaml:"max_file_size"`

	// Mode is the octal permission of new files.
	Mode string `yaml:"mode"`

	// SealStateFile enables sealing with the state stored in the file.
	SealStateFile string `yaml:"seal_state_file,omitempty"`

	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level"`

	// Vacuum configures retention.
	Vacuum VacuumConfig `yaml:"vacuum"`
}

// VacuumConfig is the file representation of VacuumOptions.
type VacuumConfig struct {
	MaxUse   ByteSize      `yaml:"max_use"`
	KeepFree ByteSize      `yaml:"keep_free"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// ByteSize is a size that is written in human readable form, e.g. 16MiB.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*s = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s ByteSize) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(s)), nil
}

// DefaultConfig returns built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Compression:           SnappyCompression.String(),
		CompressThreshold:     DefaultCompressThreshold,
		DataHashTableBuckets:  2047,
		FieldHashTableBuckets: 333,
		Mode:                  "0640",
		LogLevel:              logrus.InfoLevel.String(),
	}
}

// LoadConfig reads a YAML config file on top of the defaults.
func LoadConfig(name string) (*Config, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "journal: load config")
	}

	c := DefaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "journal: parse config %s", name)
	}
	return c, nil
}

// Logger returns a logger with the configured level.
func (c *Config) Logger() (*logrus.Logger, error) {
	l := logrus.New()
	if c.LogLevel != "" {
		lvl, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, errors.Wrap(err, "journal: config")
		}
		l.SetLevel(lvl)
	}
	return l, nil
}

// Options converts the config into writer options. The seal state is
// loaded if configured; writers evolve it in place, so it must be written
// back with SaveSealState once they are closed or rotated.
func (c *Config) Options() (*Options, error) {
	codec, err := ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}

	o := &Options{
		Compression:           codec,
		CompressThreshold:     int(c.CompressThreshold),
		DataHashTableBuckets:  c.DataHashTableBuckets,
		FieldHashTableBuckets: c.FieldHashTableBuckets,
		MaxFileSize:           int64(c.MaxFileSize),
		Logger:                logger,
	}

	if len(c.CodecMinSize) != 0 {
		o.CodecMinSize = make(map[Compression]int, len(c.CodecMinSize))
		for name, size := range c.CodecMinSize {
			cc, err := ParseCompression(name)
			if err != nil {
				return nil, err
			}
			o.CodecMinSize[cc] = int(size)
		}
	}

	if c.Mode != "" {
		mode, err := strconv.ParseUint(c.Mode, 8, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "journal: bad file mode %q", c.Mode)
		}
		o.Mode = os.FileMode(mode)
	}

	if c.SealStateFile != "" {
		if o.Seal, err = LoadSealState(c.SealStateFile); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// SaveSealState persists the seal state of o, as returned by Options, to
// the configured state file. It is a no-op without a state file.
func (c *Config) SaveSealState(o *Options) error {
	if c.SealStateFile == "" || o == nil || o.Seal == nil {
		return nil
	}
	return SaveSealState(c.SealStateFile, o.Seal)
}

// VacuumOptions converts the vacuum section into options.
func (c *Config) VacuumOptions() (*VacuumOptions, error) {
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}
	return &VacuumOptions{
		MaxUse:   int64(c.Vacuum.MaxUse),
		KeepFree: int64(c.Vacuum.KeepFree),
		MaxAge:   c.Vacuum.MaxAge,
		Logger:   logger,
	}, nil
}
