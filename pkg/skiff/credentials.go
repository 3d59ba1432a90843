package skiff

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-ini/ini"
)

// Credentials is an access key pair loaded from a shared-credentials file.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// LoadCredentialsFile reads an AWS-style shared-credentials INI file and
// returns the key pair of the named profile. An empty profile means
// "default", and an empty path means "~/.aws/credentials".
func LoadCredentialsFile(path, profile string) (Credentials, error) {
	if profile == "" {
		profile = "default"
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Credentials{}, fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".aws", "credentials")
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("load credentials file %s: %w", path, err)
	}

	section, err := cfg.GetSection(profile)
	if err != nil {
		return Credentials{}, fmt.Errorf("profile %q not found in %s: %w", profile, path, err)
	}

	creds := Credentials{
		AccessKey: section.Key("aws_access_key_id").String(),
		SecretKey: section.Key("aws_secret_access_key").String(),
	}
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return Credentials{}, InvalidArgumentError{Message: fmt.Sprintf("profile %q in %s is missing a key", profile, path)}
	}
	return creds, nil
}
