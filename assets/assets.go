package assets

import "embed"

const (
	SchemasDir = "schemas"
	BlogSchema = SchemasDir + "/blog.yaml"
)

//go:embed schemas/*
var EmbedSchemas embed.FS
