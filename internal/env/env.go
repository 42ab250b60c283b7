package env

import "github.com/homefleet/proair-bridge/internal/config"

var Cfg *config.Config
