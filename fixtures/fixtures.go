package fixtures

import (
	_ "embed"
)

//go:embed config/parsort.yaml.template
var ConfigTemplate []byte
