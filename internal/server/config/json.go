package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/expanse/internal/flagx"
	"github.com/dmitrijs2005/expanse/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Durations use
// timex.Duration so both "90s" and integer nanoseconds are accepted.
// Only keys present in the file override the current values.
type JsonConfig struct {
	EndpointAddrHTTP        *string         `json:"endpoint_addr_http"`
	EndpointAddrGRPC        *string         `json:"endpoint_addr_grpc"`
	DatabaseDSN             *string         `json:"database_dsn"`
	DBMaxOpenConns          *int            `json:"db_max_open_conns"`
	SecretKey               *string         `json:"secret_key"`
	SessionValidityDuration *timex.Duration `json:"session_validity_duration"`
	AllowedUsers            []string        `json:"allowed_users"`
	DeniedUsers             []string        `json:"denied_users"`
	ProviderClientID        *string         `json:"provider_client_id"`
	ProviderClientSecret    *string         `json:"provider_client_secret"`
	ProviderRedirectURL     *string         `json:"provider_redirect_url"`
	ProviderUserAgent       *string         `json:"provider_user_agent"`
	RefreshInterval         *timex.Duration `json:"refresh_interval"`
	RefreshPause            *timex.Duration `json:"refresh_pause"`
	RefreshCyclePause       *timex.Duration `json:"refresh_cycle_pause"`
	BackupInterval          *timex.Duration `json:"backup_interval"`
	BackupRetain            *int            `json:"backup_retain"`
	S3RootUser              *string         `json:"s3_root_user"`
	S3RootPassword          *string         `json:"s3_root_password"`
	S3Bucket                *string         `json:"s3_bucket"`
	S3Region                *string         `json:"s3_region"`
	S3BaseEndpoint          *string         `json:"s3_base_endpoint"`
	ExportDir               *string         `json:"export_dir"`
	Dev                     *bool           `json:"dev"`
}

// parseJson loads the file named by -c/-config (or $EXPANSE_CONFIG) and
// copies every present key into config. No path means nothing to do; an
// unreadable or invalid file panics.
func parseJson(config *Config) {
	path := flagx.ConfigPath()
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setInt(&config.DBMaxOpenConns, c.DBMaxOpenConns)
	setString(&config.SecretKey, c.SecretKey)
	setDuration(&config.SessionValidityDuration, c.SessionValidityDuration)
	if c.AllowedUsers != nil {
		config.AllowedUsers = c.AllowedUsers
	}
	if c.DeniedUsers != nil {
		config.DeniedUsers = c.DeniedUsers
	}
	setString(&config.ProviderClientID, c.ProviderClientID)
	setString(&config.ProviderClientSecret, c.ProviderClientSecret)
	setString(&config.ProviderRedirectURL, c.ProviderRedirectURL)
	setString(&config.ProviderUserAgent, c.ProviderUserAgent)
	setDuration(&config.RefreshInterval, c.RefreshInterval)
	setDuration(&config.RefreshPause, c.RefreshPause)
	setDuration(&config.RefreshCyclePause, c.RefreshCyclePause)
	setDuration(&config.BackupInterval, c.BackupInterval)
	setInt(&config.BackupRetain, c.BackupRetain)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.ExportDir, c.ExportDir)
	if c.Dev != nil {
		config.Dev = *c.Dev
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
