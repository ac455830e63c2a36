package core

import (
	"fmt"
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host                      string
		DebugHost                 string
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		ShutdownTimeout           time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	// StoreConfig selects the client's persisted store.
	StoreConfig struct {
		Driver        string // sqlite (default) | redis | memory
		Path          string
		RedisAddr     string
		RedisPassword string
		RedisDB       int
		KeyPrefix     string
	}

	// BreakGlassConfig describes the account allowed to log in without the remote backend.
	// PasswordHash is a bcrypt hash (see `admin hashpassword`).
	BreakGlassConfig struct {
		Enabled      bool
		Email        string
		PasswordHash string
		Name         string
		Role         string
	}

	SyncConfig struct {
		MaxAttempts int
		Backoff     time.Duration
		MaxBackoff  time.Duration
	}

	ClientConfig struct {
		RemoteURL           string
		RemoteTimeout       time.Duration
		PendingPollInterval time.Duration
		Store               StoreConfig
		BreakGlass          BreakGlassConfig
		Sync                SyncConfig
	}

	Config struct {
		AppName          string
		Env              string
		Build            string
		Debug            bool
		TestMode         bool
		WorkDir          string
		SecretKey        string
		RollbarToken     string
		SendgridAPIKey   string
		FrontendBaseURL  string
		DefaultFromEmail mail.Address

		Server   ServerConfig
		Database DatabaseConfig
		Client   ClientConfig
	}
)

func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// NewConfig loads the configuration of the current ENV (DEV (default), TEST, QA, PROD).
// Values come from the environment, prefixed by ENV (eg. DEV_SECRETKEY),
// after loading `config/.env.<env>` when it exists.
func NewConfig() *Config {
	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}
	wd := getwd()

	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}

	v := viper.New()
	setDefaults(v, env)
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	conf := &Config{
		AppName:         v.GetString("appName"),
		Env:             env,
		Build:           v.GetString("build"),
		Debug:           v.GetBool("debug"),
		TestMode:        v.GetBool("testMode"),
		WorkDir:         wd,
		SecretKey:       v.GetString("secretKey"),
		RollbarToken:    v.GetString("rollbarToken"),
		SendgridAPIKey:  v.GetString("sendgridApiKey"),
		FrontendBaseURL: v.GetString("frontendBaseUrl"),
		Server: ServerConfig{
			Host:                      v.GetString("server.host"),
			DebugHost:                 v.GetString("server.debugHost"),
			JWTExpirationDelta:        v.GetDuration("server.jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("server.jwtRefreshExpirationDelta"),
			ShutdownTimeout:           v.GetDuration("server.shutdownTimeout"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetString("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTls"),
		},
		Client: ClientConfig{
			RemoteURL:           v.GetString("client.remoteUrl"),
			RemoteTimeout:       v.GetDuration("client.remoteTimeout"),
			PendingPollInterval: v.GetDuration("client.pendingPollInterval"),
			Store: StoreConfig{
				Driver:        v.GetString("client.store.driver"),
				Path:          v.GetString("client.store.path"),
				RedisAddr:     v.GetString("client.store.redisAddr"),
				RedisPassword: v.GetString("client.store.redisPassword"),
				RedisDB:       v.GetInt("client.store.redisDb"),
				KeyPrefix:     v.GetString("client.store.keyPrefix"),
			},
			BreakGlass: BreakGlassConfig{
				Enabled:      v.GetBool("client.breakGlass.enabled"),
				Email:        v.GetString("client.breakGlass.email"),
				PasswordHash: v.GetString("client.breakGlass.passwordHash"),
				Name:         v.GetString("client.breakGlass.name"),
				Role:         v.GetString("client.breakGlass.role"),
			},
			Sync: SyncConfig{
				MaxAttempts: v.GetInt("client.sync.maxAttempts"),
				Backoff:     v.GetDuration("client.sync.backoff"),
				MaxBackoff:  v.GetDuration("client.sync.maxBackoff"),
			},
		},
	}

	from, err := mail.ParseAddress(v.GetString("defaultFromEmail"))
	if err != nil {
		log.Fatalf("config.defaultFromEmail: %v", err)
	}
	conf.DefaultFromEmail = *from
	return conf
}

func setDefaults(v *viper.Viper, env string) {
	v.SetTypeByDefaultValue(true)

	v.SetDefault("appName", "Masomo")
	v.SetDefault("build", "develop")
	v.SetDefault("debug", env == "DEV" || env == "TEST")
	v.SetDefault("testMode", env == "TEST")
	v.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("frontendBaseUrl", "http://localhost:8080")
	v.SetDefault("defaultFromEmail", "Masomo <noreply@localhost>")

	v.SetDefault("server.host", ":8000")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.jwtExpirationDelta", 15*time.Minute)
	v.SetDefault("server.jwtRefreshExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.shutdownTimeout", 5*time.Second)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "masomo")
	v.SetDefault("database.user", "masomo")
	v.SetDefault("database.password", "masomo")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "postgres")
	v.SetDefault("database.disableTls", env == "DEV" || env == "TEST")

	v.SetDefault("client.remoteUrl", "http://localhost:8000")
	v.SetDefault("client.remoteTimeout", 10*time.Second)
	v.SetDefault("client.pendingPollInterval", time.Minute)
	v.SetDefault("client.store.driver", "sqlite")
	v.SetDefault("client.store.path", filepath.Join(os.TempDir(), "masomo-client.db"))
	v.SetDefault("client.store.redisAddr", "localhost:6379")
	v.SetDefault("client.store.redisPassword", "")
	v.SetDefault("client.store.redisDb", 0)
	v.SetDefault("client.store.keyPrefix", "masomo:")
	v.SetDefault("client.breakGlass.enabled", false)
	v.SetDefault("client.breakGlass.email", "")
	v.SetDefault("client.breakGlass.passwordHash", "")
	v.SetDefault("client.breakGlass.name", "Administrator")
	v.SetDefault("client.breakGlass.role", "admin:owner")
	v.SetDefault("client.sync.maxAttempts", 3)
	v.SetDefault("client.sync.backoff", 200*time.Millisecond)
	v.SetDefault("client.sync.maxBackoff", 5*time.Second)
}

// getwd returns the module root (the first parent holding a go.mod), or the working directory.
// go-test changes the working directory to the package being tested.
func getwd() string {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(fmt.Errorf("config.getwd: %v", err))
	}
	for dir := wd; ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd
		}
		dir = parent
	}
}
