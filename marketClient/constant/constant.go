package constant

import "os"

// <NodeDir>/                    (e.g., /home/market/.marketd)
// └── config/
//	└── marketd_config.json
// └── data/
//	└── market_data.db

const (
	NodeDir = ".marketd"

	ConfigSubdir   = "config"
	ConfigFileName = "marketd_config.json"

	DataSubdir = "data"
)

var DefaultNodeHome = os.ExpandEnv("$HOME/") + NodeDir
