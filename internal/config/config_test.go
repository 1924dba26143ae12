package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
server:
  metrics_port: "9090"

embedding:
  endpoint: "http://localhost:11434"
  model: "all-MiniLM-L6-v2"
  timeout: "30s"
  retry_count: 3
  provider: "local"
  dimension: 384
  cache_size: 500

cache:
  address: "localhost:6379"
  namespace: "default"

maintenance:
  enabled: true
  max_concurrent_flushes: 5
  flush_interval: "5m"

dedup:
  mode: "active"
  rules:
    - name: "incident-filter"
      conditions:
        source:
          - "alertmanager"
          - "prometheus"
        severity:
          - "critical"
          - "warning"

logging:
  level: "info"
  format: "json"
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(config).NotTo(BeNil())

				Expect(config.Server.MetricsPort).To(Equal("9090"))

				Expect(config.Embedding.Endpoint).To(Equal("http://localhost:11434"))
				Expect(config.Embedding.Model).To(Equal("all-MiniLM-L6-v2"))
				Expect(config.Embedding.Timeout).To(Equal(30 * time.Second))
				Expect(config.Embedding.RetryCount).To(Equal(3))
				Expect(config.Embedding.Provider).To(Equal("local"))
				Expect(config.Embedding.Dimension).To(Equal(384))
				Expect(config.Embedding.CacheSize).To(Equal(500))

				Expect(config.Cache.Address).To(Equal("localhost:6379"))
				Expect(config.Cache.Namespace).To(Equal("default"))

				Expect(config.Maintenance.Enabled).To(BeTrue())
				Expect(config.Maintenance.MaxConcurrentFlushes).To(Equal(5))
				Expect(config.Maintenance.FlushInterval).To(Equal(5 * time.Minute))

				Expect(config.Dedup.Mode).To(Equal("active"))
				Expect(config.Dedup.Rules).To(HaveLen(1))
				Expect(config.Dedup.Rules[0].Name).To(Equal("incident-filter"))
				Expect(config.Dedup.Rules[0].Conditions["source"]).To(ContainElements("alertmanager", "prometheus"))
				Expect(config.Dedup.Rules[0].Conditions["severity"]).To(ContainElements("critical", "warning"))

				Expect(config.Logging.Level).To(Equal("info"))
				Expect(config.Logging.Format).To(Equal("json"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
server:
  metrics_port: "3000"

embedding:
  endpoint: "http://localhost:8080"
  model: "test-model"
  provider: "local"

cache:
  namespace: "default"
`
				err := os.WriteFile(configFile, []byte(minimalConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load with defaults for missing values", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Server.MetricsPort).To(Equal("3000"))
				Expect(config.Embedding.Endpoint).To(Equal("http://localhost:8080"))
				Expect(config.Embedding.Model).To(Equal("test-model"))

				Expect(config.Cache.Namespace).To(Equal("default"))
				Expect(config.Maintenance.MaxConcurrentFlushes).To(Equal(5))
				Expect(config.Embedding.Provider).To(Equal("local"))
				Expect(config.Embedding.Dimension).To(Equal(384))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
server:
  metrics_port: "8080"
  invalid_yaml: [
embedding:
  endpoint: "test"
`
				err := os.WriteFile(configFile, []byte(invalidConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when config has invalid duration formats", func() {
			BeforeEach(func() {
				invalidDurationConfig := `
server:
  metrics_port: "8080"

embedding:
  endpoint: "http://localhost:11434"
  model: "test"
  timeout: "invalid-duration"
  provider: "local"

maintenance:
  flush_interval: "not-a-duration"
`
				err := os.WriteFile(configFile, []byte(invalidDurationConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})
	})

	Describe("validate", func() {
		var config *Config

		BeforeEach(func() {
			config = &Config{
				Server: ServerConfig{
					MetricsPort: "9090",
				},
				Embedding: EmbeddingConfig{
					Endpoint:   "http://localhost:11434",
					Model:      "all-MiniLM-L6-v2",
					Timeout:    30 * time.Second,
					RetryCount: 3,
					Provider:   "local",
					Dimension:  384,
				},
				Cache: CacheConfig{
					Address:   "localhost:6379",
					Namespace: "default",
				},
				Maintenance: MaintenanceConfig{
					Enabled:              false,
					MaxConcurrentFlushes: 5,
					FlushInterval:        5 * time.Minute,
				},
			}
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when embedding provider is invalid", func() {
			BeforeEach(func() {
				config.Embedding.Provider = "invalid"
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unsupported embedding provider"))
			})
		})

		Context("when embedding endpoint is missing", func() {
			BeforeEach(func() {
				config.Embedding.Endpoint = ""
			})

			It("should set default endpoint", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(config.Embedding.Endpoint).To(Equal("http://localhost:8080"))
			})
		})

		Context("when embedding model is missing", func() {
			BeforeEach(func() {
				config.Embedding.Model = ""
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("embedding model is required for local provider"))
			})
		})

		Context("when embedding dimension is negative", func() {
			BeforeEach(func() {
				config.Embedding.Dimension = -1
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("embedding dimension must be greater than 0"))
			})
		})

		Context("when embedding dimension is zero", func() {
			BeforeEach(func() {
				config.Embedding.Dimension = 0
			})

			It("should default to 384", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(config.Embedding.Dimension).To(Equal(384))
			})
		})

		Context("when cache namespace is empty", func() {
			BeforeEach(func() {
				config.Cache.Namespace = ""
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("cache namespace is required"))
			})
		})

		Context("when max concurrent flushes is invalid", func() {
			BeforeEach(func() {
				config.Maintenance.MaxConcurrentFlushes = -1
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("max concurrent flushes must be greater than 0"))
			})
		})

		Context("when max concurrent flushes is zero", func() {
			BeforeEach(func() {
				config.Maintenance.MaxConcurrentFlushes = 0
			})

			It("should default to 5", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(config.Maintenance.MaxConcurrentFlushes).To(Equal(5))
			})
		})

		Context("when embedding retry count is negative", func() {
			BeforeEach(func() {
				config.Embedding.RetryCount = -1
			})

			It("should pass validation", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when flush interval is negative", func() {
			BeforeEach(func() {
				config.Maintenance.FlushInterval = -1 * time.Minute
			})

			It("should pass validation", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when embedding timeout is negative", func() {
			BeforeEach(func() {
				config.Embedding.Timeout = -1 * time.Second
			})

			It("should pass validation", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	Describe("loadFromEnv", func() {
		var config *Config

		BeforeEach(func() {
			config = &Config{}
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("EMBEDDING_ENDPOINT", "http://test:8080")
				os.Setenv("EMBEDDING_MODEL", "test-model")
				os.Setenv("EMBEDDING_PROVIDER", "local")
				os.Setenv("METRICS_PORT", "9999")
				os.Setenv("LOG_LEVEL", "debug")
				os.Setenv("MAINTENANCE_ENABLED", "true")
			})

			AfterEach(func() {
				os.Clearenv()
			})

			It("should load values from environment", func() {
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Embedding.Endpoint).To(Equal("http://test:8080"))
				Expect(config.Embedding.Model).To(Equal("test-model"))
				Expect(config.Embedding.Provider).To(Equal("local"))
				Expect(config.Server.MetricsPort).To(Equal("9999"))
				Expect(config.Logging.Level).To(Equal("debug"))
				Expect(config.Maintenance.Enabled).To(BeTrue())
			})
		})

		Context("when no environment variables are set", func() {
			It("should not modify config", func() {
				originalConfig := *config
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(*config).To(Equal(originalConfig))
			})
		})
	})
})
