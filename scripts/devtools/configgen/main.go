// Command configgen renders grader-service configs for several deployments
// from one profile: each target starts from a base yaml and merges overrides.
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

// Profile lists the configs to render.
type Profile struct {
	OutputDir string                   `yaml:"outputDir"`
	Admin     AdminProfile             `yaml:"admin"`
	Targets   map[string]TargetProfile `yaml:"targets"`
}

// AdminProfile is copied into the admin section of every target.
type AdminProfile struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// TargetProfile describes one rendered config.
type TargetProfile struct {
	Base      string                 `yaml:"base"`
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

func main() {
	profilePath := flag.String("profile", "configs/profile.yaml", "Path to config profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	written, err := render(*profilePath, *outputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
	for _, path := range written {
		fmt.Println(path)
	}
}

// render writes every target of the profile and returns the written paths in
// target name order.
func render(profilePath, outputDir string) ([]string, error) {
	profilePathAbs, err := filepath.Abs(profilePath)
	if err != nil {
		return nil, fmt.Errorf("resolve profile path failed: %w", err)
	}
	profile, err := loadProfile(profilePathAbs)
	if err != nil {
		return nil, err
	}
	if outputDir != "" {
		profile.OutputDir = outputDir
	}
	if profile.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	profileDir := filepath.Dir(profilePathAbs)
	if !filepath.IsAbs(profile.OutputDir) {
		profile.OutputDir = filepath.Join(profileDir, profile.OutputDir)
	}

	names := make([]string, 0, len(profile.Targets))
	for name := range profile.Targets {
		names = append(names, name)
	}
	sort.Strings(names)

	written := make([]string, 0, len(names))
	for _, name := range names {
		target := profile.Targets[name]
		if target.Base == "" {
			return nil, fmt.Errorf("target %q missing base config", name)
		}
		if !filepath.IsAbs(target.Base) {
			target.Base = filepath.Join(profileDir, target.Base)
		}
		config, err := buildTarget(profile, name, target)
		if err != nil {
			return nil, err
		}
		output := target.Output
		if output == "" {
			output = name + ".yaml"
		}
		if !filepath.IsAbs(output) {
			output = filepath.Join(profile.OutputDir, output)
		}
		if err := writeYAML(output, config); err != nil {
			return nil, fmt.Errorf("write config for %q failed: %w", name, err)
		}
		written = append(written, output)
	}
	return written, nil
}

func buildTarget(profile *Profile, name string, target TargetProfile) (map[string]interface{}, error) {
	base, err := loadYAML(target.Base)
	if err != nil {
		return nil, fmt.Errorf("load base config for %q failed: %w", name, err)
	}
	config, ok := normalizeValue(base).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("base config for %q is not a map", name)
	}
	if len(target.Overrides) > 0 {
		override := normalizeValue(target.Overrides).(map[string]interface{})
		config = mergeMap(config, override)
	}
	applyAdmin(profile.Admin, config)
	return config, nil
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
	if len(profile.Targets) == 0 {
		return nil, errors.New("profile has no targets")
	}
	return &profile, nil
}

func loadYAML(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml failed: %w", err)
	}
	var value interface{}
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
	// Rendered configs may carry the admin secret.
	return os.WriteFile(path, data, 0o600)
}

func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}
			out[key] = normalizeValue(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return value
	}
}

// mergeMap merges override into base recursively. Lists and scalars are
// replaced, never appended.
func mergeMap(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for key, value := range override {
		baseChild, baseIsMap := merged[key].(map[string]interface{})
		overrideChild, overrideIsMap := value.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			merged[key] = mergeMap(baseChild, overrideChild)
			continue
		}
		merged[key] = value
	}
	return merged
}

func applyAdmin(admin AdminProfile, config map[string]interface{}) {
	if admin.Secret == "" && admin.Issuer == "" {
		return
	}
	section, ok := config["admin"].(map[string]interface{})
	if !ok {
		section = map[string]interface{}{}
		config["admin"] = section
	}
	if admin.Secret != "" {
		section["secret"] = admin.Secret
	}
	if admin.Issuer != "" {
		section["issuer"] = admin.Issuer
	}
}
