package types

type Version struct {
	Version     string `json:"version"`
	LTIVersion  string `json:"ltiVersion"`
	POXVersion  string `json:"poxVersion"`
	SchemaLevel int    `json:"schemaLevel"`
}

var CurrentVersion = Version{
	Version:     "1.2.0",
	LTIVersion:  "LTI-1p0",
	POXVersion:  "V1.0",
	SchemaLevel: 2,
}
