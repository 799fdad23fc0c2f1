package config

import (
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
)

type Path string

func (p Path) Join(elem ...string) Path {
	parts := append([]string{string(p)}, elem...)
	return Path(filepath.Join(parts...))
}

func (p Path) ToString() string {
	return string(p)
}

// Load populates cfg from the TOML file at path, with environment
// variables taking precedence. An empty path reads the environment only.
func Load(path Path, cfg any) error {
	if path == "" {
		return cleanenv.ReadEnv(cfg)
	}
	return cleanenv.ReadConfig(path.ToString(), cfg)
}
