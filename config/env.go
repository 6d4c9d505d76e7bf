package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type EnvName string

const (
	EnvLocal EnvName = "local"
	EnvDev   EnvName = "dev"
	EnvProd  EnvName = "prod"
)

var Env = Environment{}

type Environment struct {
	EnvName EnvName
}

func init() {
	godotenv.Load()
	switch env := strings.ToLower(os.Getenv("ENVIRONMENT")); env {
	case "prod", "production":
		Env.EnvName = EnvProd
	case "dev", "staging":
		Env.EnvName = EnvDev
	default:
		Env.EnvName = EnvLocal
	}
}
