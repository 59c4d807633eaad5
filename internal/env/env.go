package env

import (
	"github.com/thatsimonsguy/flush-controller/internal/config"
)

var Cfg *config.Config
