// Package web3 defines the blockchain capabilities the agent can invoke and
// the chain definitions that configure them. Concrete implementations live in
// the ethereum (JSON-RPC) and explorer (Etherscan-compatible REST) packages,
// and provider composes them per chain ID.
package web3
