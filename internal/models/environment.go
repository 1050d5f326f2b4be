package models

// Environment is a statically configured deployment target.
// An environment with a Predecessor may only be targeted after the
// predecessor's latest attempt succeeded.
type Environment struct {
	Name           string `json:"name" yaml:"name"`
	RefPattern     string `json:"ref_pattern" yaml:"ref"`
	RoleARN        string `json:"role_arn" yaml:"role_arn"`
	Region         string `json:"region" yaml:"region"`
	FunctionName   string `json:"function_name" yaml:"function_name"`
	ArtifactBucket string `json:"artifact_bucket,omitempty" yaml:"artifact_bucket,omitempty"`
	Predecessor    string `json:"predecessor,omitempty" yaml:"predecessor,omitempty"`
}

// HasPredecessor returns true if the environment is behind a promotion gate.
func (e *Environment) HasPredecessor() bool {
	return e.Predecessor != ""
}
