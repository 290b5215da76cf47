// =============================================================================
// 📦 HiveCoord 配置加载器
// =============================================================================
// 统一的配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("HIVECOORD").
//	    Load()
// =============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/hivecoord/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是完整的配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Cluster   ClusterConfig   `yaml:"cluster" env:"CLUSTER"`
	Consensus ConsensusConfig `yaml:"consensus" env:"CONSENSUS"`
	Router    RouterConfig    `yaml:"router" env:"ROUTER"`
	Messaging MessagingConfig `yaml:"messaging" env:"MESSAGING"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`

	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// 每个客户端 IP 的限流，RPS <= 0 表示关闭
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`

	// JWTSecret 非空时所有 /api 路由要求 HS256 Bearer token
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// MaxBodyBytes 请求体大小上限
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`

	// 同时设置时 API 端口走 HTTPS
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// ClusterConfig 节点名册
type ClusterConfig struct {
	// CoordinatorID 协调者端点 id
	CoordinatorID string `yaml:"coordinator_id" env:"COORDINATOR_ID"`
	// Principals 节点列表，只能从文件加载
	Principals []types.Principal `yaml:"principals"`
	// Peers 远端节点 WebSocket 地址，环境变量格式 id=url,id=url
	Peers map[string]string `yaml:"peers" env:"PEERS"`

	SignMessages      bool          `yaml:"sign_messages" env:"SIGN_MESSAGES"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	// InitialTrust 未声明信任分的节点初始值
	InitialTrust float64 `yaml:"initial_trust" env:"INITIAL_TRUST"`
	// QuarantineFor 默认隔离时长
	QuarantineFor time.Duration `yaml:"quarantine_for" env:"QUARANTINE_FOR"`
}

// ConsensusConfig 共识协调配置
type ConsensusConfig struct {
	TTL               time.Duration `yaml:"ttl" env:"TTL"`
	ViewTimeout       time.Duration `yaml:"view_timeout" env:"VIEW_TIMEOUT"`
	MaxViewChanges    int           `yaml:"max_view_changes" env:"MAX_VIEW_CHANGES"`
	MinEmergencyNodes int           `yaml:"min_emergency_nodes" env:"MIN_EMERGENCY_NODES"`
	AuthorityTimeout  time.Duration `yaml:"authority_timeout" env:"AUTHORITY_TIMEOUT"`

	ViolationThreshold int     `yaml:"violation_threshold" env:"VIOLATION_THRESHOLD"`
	ViolationPenalty   float64 `yaml:"violation_penalty" env:"VIOLATION_PENALTY"`
	CommitReward       float64 `yaml:"commit_reward" env:"COMMIT_REWARD"`
	UnresponsiveRounds int     `yaml:"unresponsive_rounds" env:"UNRESPONSIVE_ROUNDS"`

	// RequireSignatures 拒绝未签名的投票，需同时开启 cluster.sign_messages
	RequireSignatures bool `yaml:"require_signatures" env:"REQUIRE_SIGNATURES"`

	DecisionCacheSize int           `yaml:"decision_cache_size" env:"DECISION_CACHE_SIZE"`
	RetainFor         time.Duration `yaml:"retain_for" env:"RETAIN_FOR"`
}

// RouterConfig 上下文路由配置
type RouterConfig struct {
	Weights WeightsConfig `yaml:"weights" env:"WEIGHT"`

	TopK           int           `yaml:"top_k" env:"TOP_K"`
	RedundantPaths int           `yaml:"redundant_paths" env:"REDUNDANT_PATHS"`
	MaxHops        int           `yaml:"max_hops" env:"MAX_HOPS"`
	Window         int           `yaml:"window" env:"WINDOW"`
	LatencyCeiling time.Duration `yaml:"latency_ceiling" env:"LATENCY_CEILING"`

	// 熔断器
	BreakerThreshold     int           `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	BreakerRetryAfter    time.Duration `yaml:"breaker_retry_after" env:"BREAKER_RETRY_AFTER"`
	BreakerMaxRetryAfter time.Duration `yaml:"breaker_max_retry_after" env:"BREAKER_MAX_RETRY_AFTER"`
	BreakerMultiplier    float64       `yaml:"breaker_multiplier" env:"BREAKER_MULTIPLIER"`
}

// WeightsConfig 路由评分权重
type WeightsConfig struct {
	Domain      float64 `yaml:"domain" env:"DOMAIN"`
	Load        float64 `yaml:"load" env:"LOAD"`
	Reliability float64 `yaml:"reliability" env:"RELIABILITY"`
	Latency     float64 `yaml:"latency" env:"LATENCY"`
	Context     float64 `yaml:"context" env:"CONTEXT"`
}

// MessagingConfig 跨 hive 消息配置
type MessagingConfig struct {
	// Transport: memory, websocket
	Transport string `yaml:"transport" env:"TRANSPORT"`
	// WSPath websocket 传输挂载的 HTTP 路径
	WSPath string `yaml:"ws_path" env:"WS_PATH"`
	// Outbox: memory, redis
	Outbox string `yaml:"outbox" env:"OUTBOX"`

	DefaultTTL        time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	InboxCapacity     int           `yaml:"inbox_capacity" env:"INBOX_CAPACITY"`
	DedupSize         int           `yaml:"dedup_size" env:"DEDUP_SIZE"`
	DedupWindow       time.Duration `yaml:"dedup_window" env:"DEDUP_WINDOW"`
	GapTimeout        time.Duration `yaml:"gap_timeout" env:"GAP_TIMEOUT"`

	// 路由投递使用的可靠性级别: best_effort, at_least_once, exactly_once
	DeliveryReliability string        `yaml:"delivery_reliability" env:"DELIVERY_RELIABILITY"`
	DeliveryTTL         time.Duration `yaml:"delivery_ttl" env:"DELIVERY_TTL"`

	// 心跳检测
	MonitorInterval time.Duration `yaml:"monitor_interval" env:"MONITOR_INTERVAL"`
	DegradedAfter   int           `yaml:"degraded_after" env:"DEGRADED_AFTER"`
	OfflineAfter    int           `yaml:"offline_after" env:"OFFLINE_AFTER"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	TLS       bool   `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 决策日志数据库配置
type DatabaseConfig struct {
	// 驱动: memory, sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名，sqlite 为文件路径
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`

	MaxOpenConns        int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns        int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime     time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "HIVECOORD",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			field.Set(reflect.ValueOf(splitList(value)))
		}

	case reflect.Map:
		// key=value,key=value
		if field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		m := make(map[string]string)
		for _, pair := range splitList(value) {
			k, v, ok := strings.Cut(pair, "=")
			if !ok || strings.TrimSpace(k) == "" {
				return fmt.Errorf("invalid map entry %q", pair)
			}
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		field.Set(reflect.ValueOf(m))
	}

	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置，返回全部问题
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, errors.New("invalid HTTP port"))
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, errors.New("invalid metrics port"))
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate_limit_burst must be positive when rate limiting is enabled"))
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tls_cert_file and server.tls_key_file must be set together"))
	}

	errs = append(errs, c.Cluster.validate()...)

	if c.Consensus.ViolationPenalty < 0 || c.Consensus.ViolationPenalty > 1 {
		errs = append(errs, errors.New("consensus.violation_penalty must be between 0 and 1"))
	}
	if c.Consensus.RequireSignatures && !c.Cluster.SignMessages {
		errs = append(errs, errors.New("consensus.require_signatures needs cluster.sign_messages"))
	}
	if c.Consensus.MinEmergencyNodes < 0 {
		errs = append(errs, errors.New("consensus.min_emergency_nodes must not be negative"))
	}

	w := c.Router.Weights
	if w.Domain < 0 || w.Load < 0 || w.Reliability < 0 || w.Latency < 0 || w.Context < 0 {
		errs = append(errs, errors.New("router weights must not be negative"))
	} else if w.Domain+w.Load+w.Reliability+w.Latency+w.Context <= 0 {
		errs = append(errs, errors.New("router weights must not all be zero"))
	}
	if c.Router.BreakerMultiplier != 0 && c.Router.BreakerMultiplier < 1 {
		errs = append(errs, errors.New("router.breaker_multiplier must be at least 1"))
	}

	switch c.Messaging.Transport {
	case "", "memory", "websocket":
	default:
		errs = append(errs, fmt.Errorf("unknown messaging transport %q", c.Messaging.Transport))
	}
	switch c.Messaging.Outbox {
	case "", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis outbox requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown messaging outbox %q", c.Messaging.Outbox))
	}
	if _, err := parseReliability(c.Messaging.DeliveryReliability); err != nil {
		errs = append(errs, err)
	}

	switch c.Database.Driver {
	case "", "memory", "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}

	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

func (c *ClusterConfig) validate() []error {
	var errs []error
	if len(c.Principals) == 0 {
		errs = append(errs, errors.New("cluster.principals must not be empty"))
	}
	seen := make(map[types.PrincipalID]bool, len(c.Principals))
	for i, p := range c.Principals {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("cluster.principals[%d]: id is required", i))
		case p.ID == types.PrincipalID(c.CoordinatorID):
			errs = append(errs, fmt.Errorf("cluster.principals[%d]: id %s collides with coordinator_id", i, p.ID))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("cluster.principals[%d]: duplicate id %s", i, p.ID))
		}
		seen[p.ID] = true
	}
	for id := range c.Peers {
		if !seen[types.PrincipalID(id)] {
			errs = append(errs, fmt.Errorf("cluster.peers: %s is not a declared principal", id))
		}
	}
	return errs
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
