package request

// PrepareRequest leaves filename checks to the orchestrator so every
// filename problem carries the same error code.
type PrepareRequest struct {
	Filename string `json:"filename"`
}

type DeployRequest struct {
	AppID             string `json:"app_id" validate:"required,max=64"`
	Subdomain         string `json:"subdomain" validate:"required,max=63"`
	SecretRef         string `json:"secret_ref" validate:"max=64"`
	ConfirmedWarnings bool   `json:"confirmed_warnings"`
}

type BuildStatusRequest struct {
	AppID   string `json:"app_id" validate:"required"`
	Outcome string `json:"outcome" validate:"required,oneof=succeeded failed"`
	Message string `json:"message" validate:"max=512"`
}

type CreateSecretRequest struct {
	Name  string `json:"name" validate:"required,max=64"`
	Value string `json:"value" validate:"required,max=8192"`
}
