package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

// ServiceConfig drives the api-server: valuation refresh, settlement session,
// paper ledger, and the HTTP surface.
type ServiceConfig struct {
	RPCURL        string
	Commitment    rpc.CommitmentType
	KeypairPath   string
	SkipPreflight bool
	MaxRetries    *uint

	ProgramID           solana.PublicKey
	IndexMint           solana.PublicKey
	ExitFeeBps          uint16
	ProvisionTestAssets bool

	BasketManifestPath string

	CoinGeckoBaseURL   string
	JupiterBaseURL     string
	JupiterSlippageBps int
	OracleTimeout      time.Duration
	RefreshInterval    time.Duration
	SettlementAssetID  string
	VsCurrency         string

	// Empty DSN keeps the paper ledger in process memory.
	DBDSN string

	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string

	Log LogConfig
}

// InitConfig drives the one-shot init-index tool.
type InitConfig struct {
	RPCURL        string
	Commitment    rpc.CommitmentType
	KeypairPath   string
	SkipPreflight bool
	MaxRetries    *uint

	ProgramID  solana.PublicKey
	IndexMint  solana.PublicKey
	ExitFeeBps uint16

	BasketManifestPath string
	ArtifactPath       string

	Log LogConfig
}

var (
	defaultProgramID = solana.MustPublicKeyFromBase58("BKrYs7V1WMXEHYxr61FdUK9wHKrBqrzSzYmNRegts1mG")
	defaultIndexMint = solana.MustPublicKeyFromBase58("2BJonFYA2Qd9kgX35oRe71XeU61bxhSJ39shA44EBUSu")

	defaultRPCURL           = "https://api.devnet.solana.com"
	defaultCoinGeckoBaseURL = "https://api.coingecko.com/api/v3"
	defaultJupiterBaseURL   = "https://quote-api.jup.ag/v6"
)

func LoadServiceConfig() (ServiceConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ServiceConfig{}, err
	}

	keypairPath := envOrDefault("SETTLEMENT_KEYPAIR_PATH", envOrDefault("SOLANA_KEYPAIR_PATH", "~/.config/solana/id.json"))
	keypairPath = maybeUseLocalSecretKeypair(keypairPath)
	expandedKeypair, err := expandHomePath(keypairPath)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("expand keypair path: %w", err)
	}

	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return ServiceConfig{}, err
	}

	skipPreflight, err := envBool("SETTLEMENT_SKIP_PREFLIGHT", false)
	if err != nil {
		return ServiceConfig{}, err
	}

	maxRetries, err := envOptionalUint("SETTLEMENT_MAX_RETRIES")
	if err != nil {
		return ServiceConfig{}, err
	}

	programID, err := envPubkey("INDEX_PROGRAM_ID", defaultProgramID)
	if err != nil {
		return ServiceConfig{}, err
	}
	indexMint, err := envPubkey("INDEX_MINT", defaultIndexMint)
	if err != nil {
		return ServiceConfig{}, err
	}

	exitFeeBps, err := envUint16("INDEX_EXIT_FEE_BPS", 50)
	if err != nil {
		return ServiceConfig{}, err
	}

	provisionTestAssets, err := envBool("SETTLEMENT_PROVISION_TEST_ASSETS", false)
	if err != nil {
		return ServiceConfig{}, err
	}

	slippageBps, err := envInt("ORACLE_JUPITER_SLIPPAGE_BPS", 100)
	if err != nil {
		return ServiceConfig{}, err
	}

	oracleTimeout, err := envDuration("ORACLE_REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServiceConfig{}, err
	}

	refreshInterval, err := envDuration("VALUATION_REFRESH_INTERVAL", 30*time.Second)
	if err != nil {
		return ServiceConfig{}, err
	}

	readTimeout, err := envDuration("API_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServiceConfig{}, err
	}
	writeTimeout, err := envDuration("API_SERVER_WRITE_TIMEOUT", 15*time.Second)
	if err != nil {
		return ServiceConfig{}, err
	}
	idleTimeout, err := envDuration("API_SERVER_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return ServiceConfig{}, err
	}

	allowedOrigins := parseCSVEnv(
		envOrDefault("API_SERVER_ALLOWED_ORIGINS", "*"),
		[]string{"*"},
	)

	return ServiceConfig{
		RPCURL:              envOrDefault("SOLANA_RPC_URL", defaultRPCURL),
		Commitment:          commitment,
		KeypairPath:         expandedKeypair,
		SkipPreflight:       skipPreflight,
		MaxRetries:          maxRetries,
		ProgramID:           programID,
		IndexMint:           indexMint,
		ExitFeeBps:          exitFeeBps,
		ProvisionTestAssets: provisionTestAssets,
		BasketManifestPath:  envOrDefault("BASKET_MANIFEST_PATH", ""),
		CoinGeckoBaseURL:    envOrDefault("ORACLE_COINGECKO_BASE_URL", defaultCoinGeckoBaseURL),
		JupiterBaseURL:      envOrDefault("ORACLE_JUPITER_BASE_URL", defaultJupiterBaseURL),
		JupiterSlippageBps:  slippageBps,
		OracleTimeout:       oracleTimeout,
		RefreshInterval:     refreshInterval,
		SettlementAssetID:   envOrDefault("VALUATION_SETTLEMENT_ASSET_ID", "solana"),
		VsCurrency:          envOrDefault("VALUATION_VS_CURRENCY", "usd"),
		DBDSN:               envOrDefault("PAPER_DB_DSN", ""),
		ListenAddr:          envOrDefault("API_SERVER_LISTEN_ADDR", ":8080"),
		ReadTimeout:         readTimeout,
		WriteTimeout:        writeTimeout,
		IdleTimeout:         idleTimeout,
		AllowedOrigins:      allowedOrigins,
		Log:                 buildLogConfig("API_SERVER", "api-server"),
	}, nil
}

func LoadInitConfig() (InitConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return InitConfig{}, err
	}

	keypairPath := envOrDefault("SETTLEMENT_KEYPAIR_PATH", envOrDefault("SOLANA_KEYPAIR_PATH", "~/.config/solana/id.json"))
	keypairPath = maybeUseLocalSecretKeypair(keypairPath)
	expandedKeypair, err := expandHomePath(keypairPath)
	if err != nil {
		return InitConfig{}, fmt.Errorf("expand keypair path: %w", err)
	}

	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return InitConfig{}, err
	}

	skipPreflight, err := envBool("SETTLEMENT_SKIP_PREFLIGHT", false)
	if err != nil {
		return InitConfig{}, err
	}

	maxRetries, err := envOptionalUint("SETTLEMENT_MAX_RETRIES")
	if err != nil {
		return InitConfig{}, err
	}

	programID, err := envPubkey("INDEX_PROGRAM_ID", defaultProgramID)
	if err != nil {
		return InitConfig{}, err
	}
	indexMint, err := envPubkey("INDEX_MINT", defaultIndexMint)
	if err != nil {
		return InitConfig{}, err
	}

	exitFeeBps, err := envUint16("INDEX_EXIT_FEE_BPS", 50)
	if err != nil {
		return InitConfig{}, err
	}

	return InitConfig{
		RPCURL:             envOrDefault("SOLANA_RPC_URL", defaultRPCURL),
		Commitment:         commitment,
		KeypairPath:        expandedKeypair,
		SkipPreflight:      skipPreflight,
		MaxRetries:         maxRetries,
		ProgramID:          programID,
		IndexMint:          indexMint,
		ExitFeeBps:         exitFeeBps,
		BasketManifestPath: envOrDefault("BASKET_MANIFEST_PATH", ""),
		ArtifactPath:       envOrDefault("INDEX_ARTIFACT_PATH", "index-config.json"),
		Log:                buildLogConfig("INIT_INDEX", "init-index"),
	}, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join("logs", serviceName, serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case string(rpc.CommitmentProcessed):
		return rpc.CommitmentProcessed, nil
	case string(rpc.CommitmentConfirmed):
		return rpc.CommitmentConfirmed, nil
	case string(rpc.CommitmentFinalized):
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envUint16(key string, fallback uint16) (uint16, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return uint16(v), nil
}

func envOptionalUint(key string) (*uint, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	out := uint(v)
	return &out, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func parseCSVEnv(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func expandHomePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(body, &raw); err != nil {
			runtimeConfigErr = fmt.Errorf("parse config file %q: %w", configPath, err)
			return
		}

		flattened, err := flattenConfig(raw)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("flatten config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case map[any]any:
		for keyAny, child := range typed {
			keyText, ok := keyAny.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", keyAny, prefix)
			}
			segment := normalizeKeySegment(keyText)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}

func maybeUseLocalSecretKeypair(current string) string {
	expandedCurrent, err := expandHomePath(current)
	if err != nil {
		return current
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return current
	}
	defaultHomePath := filepath.Join(homeDir, ".config", "solana", "id.json")
	if filepath.Clean(expandedCurrent) != filepath.Clean(defaultHomePath) {
		return current
	}

	for _, candidate := range []string{
		"../.local/secret/settlement-wallet.json",
		".local/secret/settlement-wallet.json",
	} {
		absoluteCandidate, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		info, err := os.Stat(absoluteCandidate)
		if err != nil {
			continue
		}
		if info.IsDir() {
			continue
		}
		return absoluteCandidate
	}

	return current
}
