// configgen renders per-service config files from a single dev
// profile: each service names a base yaml, optional overrides are
// deep-merged on top, and the shared JWT settings are stamped into the
// api-server config so the token verifier and issuer always agree.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

type Profile struct {
	OutputDir string                    `yaml:"outputDir"`
	Auth      AuthProfile               `yaml:"auth"`
	Services  map[string]ServiceProfile `yaml:"services"`
}

type AuthProfile struct {
	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`
}

type ServiceProfile struct {
	Base      string                 `yaml:"base"`
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

func main() {
	profilePath := flag.String("profile", "configs/dev-profile.yaml", "Path to config profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	if err := run(*profilePath, *outputDir); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(profilePath, outputDir string) error {
	profilePath, err := filepath.Abs(profilePath)
	if err != nil {
		return fmt.Errorf("resolve profile path failed: %w", err)
	}
	profile, err := loadProfile(profilePath)
	if err != nil {
		return fmt.Errorf("load profile failed: %w", err)
	}

	if outputDir != "" {
		profile.OutputDir = outputDir
	}
	if profile.OutputDir == "" {
		return errors.New("output directory is required")
	}
	profileDir := filepath.Dir(profilePath)
	if !filepath.IsAbs(profile.OutputDir) {
		profile.OutputDir = filepath.Join(profileDir, profile.OutputDir)
	}
	if err := os.MkdirAll(profile.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory failed: %w", err)
	}

	names := make([]string, 0, len(profile.Services))
	for name := range profile.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := renderService(profile, profileDir, name); err != nil {
			return fmt.Errorf("render %q failed: %w", name, err)
		}
	}
	return nil
}

func renderService(profile *Profile, profileDir, name string) error {
	service := profile.Services[name]
	if service.Base == "" {
		return errors.New("missing base config")
	}
	if !filepath.IsAbs(service.Base) {
		service.Base = filepath.Join(profileDir, service.Base)
	}

	config, err := loadYAMLMap(service.Base)
	if err != nil {
		return err
	}
	if len(service.Overrides) > 0 {
		config = mergeMap(config, service.Overrides)
	}
	if name == "api-server" {
		applySharedAuth(profile.Auth, config)
	}

	output := service.Output
	if output == "" {
		output = filepath.Base(service.Base)
	}
	if !filepath.IsAbs(output) {
		output = filepath.Join(profile.OutputDir, output)
	}
	return writeYAML(output, config)
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile failed: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile failed: %w", err)
	}
	if len(profile.Services) == 0 {
		return nil, errors.New("profile has no services")
	}
	return &profile, nil
}

func loadYAMLMap(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml failed: %w", err)
	}
	value := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse yaml failed: %w", err)
	}
	return value, nil
}

func writeYAML(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir failed: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal yaml failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write yaml failed: %w", err)
	}
	return nil
}

// mergeMap deep-merges override into base. Nested maps merge key by
// key; everything else is replaced wholesale.
func mergeMap(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for key, overrideValue := range override {
		baseChild, baseIsMap := merged[key].(map[string]interface{})
		overrideChild, overrideIsMap := overrideValue.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			merged[key] = mergeMap(baseChild, overrideChild)
			continue
		}
		merged[key] = overrideValue
	}
	return merged
}

func applySharedAuth(shared AuthProfile, config map[string]interface{}) {
	if shared.JWTSecret == "" && shared.JWTIssuer == "" {
		return
	}
	auth, ok := config["auth"].(map[string]interface{})
	if !ok {
		auth = map[string]interface{}{}
		config["auth"] = auth
	}
	if shared.JWTSecret != "" {
		auth["secret"] = shared.JWTSecret
	}
	if shared.JWTIssuer != "" {
		auth["issuer"] = shared.JWTIssuer
	}
}
