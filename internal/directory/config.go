/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package directory

import (
	"fmt"
	"os"
)

// Config holds the credentials and address needed to reach the directory.
type Config struct {
	Username string
	Password string
	URL      string
}

// ConfigFromEnv reads LLDAP_USERNAME, LLDAP_PASSWORD and LLDAP_URL. All
// three are required; a missing or empty value is reported by name.
func ConfigFromEnv() (Config, error) {
	cfg := Config{}

	var err error
	if cfg.Username, err = requireEnv("LLDAP_USERNAME"); err != nil {
		return Config{}, err
	}
	if cfg.Password, err = requireEnv("LLDAP_PASSWORD"); err != nil {
		return Config{}, err
	}
	if cfg.URL, err = requireEnv("LLDAP_URL"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func requireEnv(name string) (string, error) {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", fmt.Errorf("variable %q is not set or invalid", name)
	}
	return value, nil
}
