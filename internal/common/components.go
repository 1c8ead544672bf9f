package common

const (
	ComponentEngine        = "sync-engine"
	ComponentChainClient   = "chain-client"
	ComponentBlockStore    = "block-store"
	ComponentReorgDetector = "reorg-detector"
	ComponentValidator     = "validator"
	ComponentSupervisor    = "supervisor"
	ComponentAPI           = "api"
)

var AllComponents = map[string]struct{}{
	ComponentEngine:        {},
	ComponentChainClient:   {},
	ComponentBlockStore:    {},
	ComponentReorgDetector: {},
	ComponentValidator:     {},
	ComponentSupervisor:    {},
	ComponentAPI:           {},
}
