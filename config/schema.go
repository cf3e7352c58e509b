package config

const schema = `
#Config: {
	trace: {
		strategy:             "uncompressed" | "compressed" | "switching"
		"switch-threshold":   int & >0
		"compress-threshold": int & >0
		"block-size":         int & >=512 & <=1048576
		output:               string & !=""
	}
	analysis: {
		parallel:  bool
		data:      bool
		control:   bool
		direction: "backward" | "forward"
	}
	log: {
		verbosity: int & >=-4 & <=4
		file:      string
	}
	export: {
		driver: "sqlite" | "duckdb"
		dsn:    string & !=""
	}
}
`
