package registry

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileDescriptor is the YAML shape of one connection entry. The password is
// read as a plain string here and sealed into a Secret immediately.
type fileDescriptor struct {
	Name             string `yaml:"name"`
	Engine           string `yaml:"engine"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Database         string `yaml:"database"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	Schema           string `yaml:"schema"`
	PoolSize         int    `yaml:"pool_size"`
	StatementTimeout string `yaml:"statement_timeout"`
}

type configFile struct {
	Connections []fileDescriptor `yaml:"connections"`
}

// LoadDescriptors builds the connection set from an optional YAML file plus
// DB_<NAME>_<SETTING> environment variables. Environment settings override
// file settings for the same connection name, and may define connections the
// file does not mention.
func LoadDescriptors(path string) ([]Descriptor, error) {
	byName := make(map[string]*Descriptor)
	var order []string

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read connections file: %w", err)
		}
		var cf configFile
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("failed to parse connections file: %w", err)
		}
		for _, fd := range cf.Connections {
			d, err := fd.toDescriptor()
			if err != nil {
				return nil, err
			}
			if _, ok := byName[d.Name]; !ok {
				order = append(order, d.Name)
			}
			byName[d.Name] = d
		}
	}

	envNames, err := overlayEnv(byName)
	if err != nil {
		return nil, err
	}
	order = append(order, envNames...)

	out := make([]Descriptor, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out, nil
}

func (fd fileDescriptor) toDescriptor() (*Descriptor, error) {
	engine, err := ParseEngine(fd.Engine)
	if err != nil {
		return nil, fmt.Errorf("connection %q: %w", fd.Name, err)
	}
	d := &Descriptor{
		Name:     fd.Name,
		Engine:   engine,
		Host:     fd.Host,
		Port:     fd.Port,
		Database: fd.Database,
		Username: fd.Username,
		Password: Secret(fd.Password),
		Schema:   fd.Schema,
		PoolSize: fd.PoolSize,
	}
	if fd.StatementTimeout != "" {
		timeout, err := time.ParseDuration(fd.StatementTimeout)
		if err != nil {
			return nil, fmt.Errorf("connection %q: invalid statement_timeout: %w", fd.Name, err)
		}
		d.StatementTimeout = timeout
	}
	return d, nil
}

const envPrefix = "DB_"

// overlayEnv applies DB_<NAME>_<SETTING> variables on top of the file-loaded
// descriptors, creating descriptors for names only the environment defines.
// Connection names are lowercased; the env segment is matched by splitting on
// the last underscore before a known setting suffix.
func overlayEnv(byName map[string]*Descriptor) ([]string, error) {
	type setting struct {
		name  string
		key   string
		value string
	}
	var settings []setting
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		eq := strings.Index(kv, "=")
		if eq < 0 {
			continue
		}
		key, value := kv[len(envPrefix):eq], kv[eq+1:]
		name, field, ok := splitEnvKey(key)
		if !ok {
			continue
		}
		settings = append(settings, setting{name: name, key: field, value: value})
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].name < settings[j].name })

	var created []string
	for _, s := range settings {
		d, ok := byName[s.name]
		if !ok {
			d = &Descriptor{Name: s.name}
			byName[s.name] = d
			created = append(created, s.name)
		}
		if err := applyEnvSetting(d, s.key, s.value); err != nil {
			return nil, fmt.Errorf("connection %q: %w", s.name, err)
		}
	}
	return created, nil
}

var envSettings = []string{
	"ENGINE", "HOST", "PORT", "DATABASE", "USERNAME", "PASSWORD",
	"SCHEMA", "POOL_SIZE", "STATEMENT_TIMEOUT",
}

// splitEnvKey splits "IRIS_DB_POOL_SIZE" into ("iris_db", "POOL_SIZE") by
// matching a known setting suffix.
func splitEnvKey(key string) (name, field string, ok bool) {
	for _, s := range envSettings {
		suffix := "_" + s
		if strings.HasSuffix(key, suffix) && len(key) > len(suffix) {
			return strings.ToLower(key[:len(key)-len(suffix)]), s, true
		}
	}
	return "", "", false
}

func applyEnvSetting(d *Descriptor, field, value string) error {
	switch field {
	case "ENGINE":
		engine, err := ParseEngine(value)
		if err != nil {
			return err
		}
		d.Engine = engine
	case "HOST":
		d.Host = value
	case "PORT":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid port %q", value)
		}
		d.Port = port
	case "DATABASE":
		d.Database = value
	case "USERNAME":
		d.Username = value
	case "PASSWORD":
		d.Password = Secret(value)
	case "SCHEMA":
		d.Schema = value
	case "POOL_SIZE":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid pool size %q", value)
		}
		d.PoolSize = n
	case "STATEMENT_TIMEOUT":
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid statement timeout %q", value)
		}
		d.StatementTimeout = timeout
	}
	return nil
}
