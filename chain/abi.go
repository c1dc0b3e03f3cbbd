package chain

// Minimal ABIs of the contract methods this node reads. Only the fragments
// used are declared so the node does not depend on generated bindings.
const (
	StakingABI = `[
  {"type":"function","name":"state","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"epoch","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"threshold","stateMutability":"view","inputs":[{"name":"epoch","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getValidatorsInEpoch","stateMutability":"view","inputs":[{"name":"epoch","type":"uint256"}],"outputs":[{"name":"","type":"tuple[]","components":[
    {"name":"nodeAddress","type":"address"},
    {"name":"publicKey","type":"bytes"},
    {"name":"endpoint","type":"string"}]}]},
  {"type":"function","name":"registerAttestedWallet","stateMutability":"nonpayable","inputs":[{"name":"wallet","type":"address"},{"name":"attestation","type":"bytes"}],"outputs":[]}
]`

	KeyRouterABI = `[
  {"type":"function","name":"getRootKeys","stateMutability":"view","inputs":[{"name":"keysetId","type":"string"}],"outputs":[{"name":"","type":"tuple[]","components":[
    {"name":"curve","type":"uint8"},
    {"name":"index","type":"uint256"},
    {"name":"pubkey","type":"bytes"}]}]}
]`

	ResolverABI = `[
  {"type":"function","name":"getContract","stateMutability":"view","inputs":[{"name":"typ","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]}
]`
)

// Well-known resolver names.
const (
	StakingContractName   = "STAKING"
	KeyRouterContractName = "KEY_ROUTER"
)
