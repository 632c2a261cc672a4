package env

import (
	"github.com/thatsimonsguy/stiebel-can/internal/config"
)

var Cfg *config.Config
