package ethereum

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"ChainAI-Agent/internal/web3"
)

// echoContractBin 部署一个对任意调用都返回 uint256(18) 的合约，
// 可同时充当 ERC-20、包装合约与兑换路由。
const echoContractBin = "0x600a80600b6000396000f3" + "601260005260206000f3"

var simulatedChainID = big.NewInt(1337)

type fixture struct {
	backend *simulated.Backend
	key     *ecdsa.PrivateKey
	owner   common.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)
	funds, _ := new(big.Int).SetString("100000000000000000000", 10)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{owner: {Balance: funds}})
	t.Cleanup(func() { _ = backend.Close() })
	return &fixture{backend: backend, key: key, owner: owner}
}

// deploy 通过合约创建交易部署 echo 合约。
func (f *fixture) deploy(t *testing.T) common.Address {
	t.Helper()
	ctx := context.Background()
	client := f.backend.Client()

	nonce, err := client.PendingNonceAt(ctx, f.owner)
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		t.Fatalf("latest header: %v", err)
	}
	tip := big.NewInt(1_000_000_000)
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   simulatedChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       200_000,
		Data:      common.FromHex(echoContractBin),
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(simulatedChainID), f.key)
	if err != nil {
		t.Fatalf("sign deploy: %v", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		t.Fatalf("send deploy: %v", err)
	}
	f.backend.Commit()
	receipt, err := client.TransactionReceipt(ctx, signed.Hash())
	if err != nil {
		t.Fatalf("deploy receipt: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("deploy failed")
	}
	return receipt.ContractAddress
}

func (f *fixture) client(cfg Config) *Client {
	cfg.ChainID = simulatedChainID.Int64()
	cfg.Confirm = web3.ConfirmPolicy{MaxAttempts: 3, Interval: 10 * time.Millisecond}
	return NewSimulatedClient(cfg, f.backend)
}

func TestReadOnlyQueries(t *testing.T) {
	f := newFixture(t)
	f.backend.Commit()
	client := f.client(Config{Name: "sim", NativeSymbol: "TCRO"})
	ctx := context.Background()

	balance, err := client.Balance(ctx, f.owner.Hex())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Balance != "100" || balance.Symbol != "TCRO" {
		t.Fatalf("unexpected balance: %+v", balance)
	}

	latest, err := client.LatestBlock(ctx)
	if err != nil {
		t.Fatalf("latest block: %v", err)
	}
	if latest.Number == 0 {
		t.Fatalf("expected block number to advance after commit")
	}

	genesis, err := client.BlockByTag(ctx, "earliest", false)
	if err != nil {
		t.Fatalf("earliest block: %v", err)
	}
	if genesis.Number != 0 {
		t.Fatalf("expected genesis, got %d", genesis.Number)
	}
	if _, err := client.BlockByTag(ctx, "0x0", false); err != nil {
		t.Fatalf("hex block tag: %v", err)
	}
	if _, err := client.BlockByTag(ctx, "yesterday", false); err == nil {
		t.Fatalf("expected invalid tag error")
	}
	if _, err := client.Balance(ctx, "0x123"); err == nil {
		t.Fatalf("expected invalid address error")
	}
	if _, err := client.TransactionStatus(ctx, "0xdead"); err == nil {
		t.Fatalf("expected invalid hash error")
	}
}

func TestNativeTransferIsConfirmed(t *testing.T) {
	f := newFixture(t)
	client := f.client(Config{Signer: NewSignerFromKey(f.key)})
	ctx := context.Background()

	wallet, err := client.CreateWallet(ctx)
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if !common.IsHexAddress(wallet.Address) || !strings.HasPrefix(wallet.PrivateKey, "0x") {
		t.Fatalf("unexpected wallet: %+v", wallet)
	}

	receipt, err := client.Transfer(ctx, web3.TransferRequest{To: wallet.Address, Amount: "0.5"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if receipt.Status != web3.TxSuccess || receipt.From != f.owner.Hex() {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	balance, err := client.Balance(ctx, wallet.Address)
	if err != nil {
		t.Fatalf("recipient balance: %v", err)
	}
	if balance.Balance != "0.5" {
		t.Fatalf("unexpected recipient balance %s", balance.Balance)
	}

	status, err := client.TransactionStatus(ctx, receipt.Hash)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != web3.TxSuccess || status.BlockNumber != receipt.BlockNumber {
		t.Fatalf("unexpected status: %+v", status)
	}

	tx, err := client.TransactionByHash(ctx, receipt.Hash)
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if tx.From != f.owner.Hex() || tx.To != wallet.Address || tx.Pending {
		t.Fatalf("unexpected transaction: %+v", tx)
	}

	block, err := client.BlockByTag(ctx, "latest", true)
	if err != nil {
		t.Fatalf("latest block: %v", err)
	}
	if len(block.TransactionDetails) == 0 || block.TransactionDetails[0].Hash != receipt.Hash {
		t.Fatalf("expected transfer in latest block: %+v", block)
	}
}

// 不出块时确认等待会撞上调用超时，已广播交易的哈希必须以 Pending 状态返回。
func TestTransferReportsPendingWhenConfirmationTimesOut(t *testing.T) {
	f := newFixture(t)
	client := newClient(Config{
		ChainID: simulatedChainID.Int64(),
		Signer:  NewSignerFromKey(f.key),
		Confirm: web3.ConfirmPolicy{MaxAttempts: 30, Interval: 50 * time.Millisecond},
	}, f.backend.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	receipt, err := client.Transfer(ctx, web3.TransferRequest{To: recipient.Hex(), Amount: "0.1"})
	if err != nil {
		t.Fatalf("a broadcast transfer must not fail on a confirmation timeout: %v", err)
	}
	if receipt == nil || receipt.Hash == "" || receipt.Status != web3.TxPending {
		t.Fatalf("expected pending receipt with hash, got %+v", receipt)
	}
	if receipt.To != recipient.Hex() || receipt.Amount != "0.1" {
		t.Fatalf("unexpected receipt details: %+v", receipt)
	}

	nonce, err := f.backend.Client().PendingNonceAt(context.Background(), f.owner)
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	if nonce != 1 {
		t.Fatalf("expected the transfer to be broadcast, pending nonce %d", nonce)
	}

	f.backend.Commit()
	status, err := client.TransactionStatus(context.Background(), receipt.Hash)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != web3.TxSuccess {
		t.Fatalf("expected reported hash to confirm once mined, got %+v", status)
	}
}

func TestTokenOperations(t *testing.T) {
	f := newFixture(t)
	contract := f.deploy(t)
	client := f.client(Config{
		Signer:        NewSignerFromKey(f.key),
		WrappedNative: contract.Hex(),
		SwapRouter:    contract.Hex(),
	})
	ctx := context.Background()
	recipient := common.HexToAddress("0x1cA1304F2cA3e5A1e45fD2b64EcD83EB58a420Ab")

	transfer, err := client.Transfer(ctx, web3.TransferRequest{To: recipient.Hex(), Amount: "2", ContractAddress: contract.Hex()})
	if err != nil {
		t.Fatalf("token transfer: %v", err)
	}
	if transfer.Status != web3.TxSuccess || transfer.Token != contract.Hex() {
		t.Fatalf("unexpected token transfer: %+v", transfer)
	}

	wrapped, err := client.Wrap(ctx, "1")
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if wrapped.Status != web3.TxSuccess || wrapped.To != contract.Hex() {
		t.Fatalf("unexpected wrap receipt: %+v", wrapped)
	}

	swap, err := client.Swap(ctx, web3.SwapRequest{Amount: "1", FromContractAddress: contract.Hex(), ToContractAddress: recipient.Hex()})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if swap.Approval.Status != web3.TxSuccess || swap.Swap.Status != web3.TxSuccess {
		t.Fatalf("unexpected swap result: %+v", swap)
	}
}

func TestWritesRequireConfiguration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	readOnly := f.client(Config{})
	if _, err := readOnly.Transfer(ctx, web3.TransferRequest{To: f.owner.Hex(), Amount: "1"}); err == nil {
		t.Fatalf("expected missing signer error")
	}

	signed := f.client(Config{Signer: NewSignerFromKey(f.key)})
	if _, err := signed.Wrap(ctx, "1"); err == nil || !strings.Contains(err.Error(), "wrapped native") {
		t.Fatalf("expected missing wrapped token error, got %v", err)
	}
	if _, err := signed.Swap(ctx, web3.SwapRequest{Amount: "1"}); err == nil {
		t.Fatalf("expected missing router error")
	}
	if _, err := signed.Transfer(ctx, web3.TransferRequest{To: f.owner.Hex(), Amount: "-1"}); err == nil {
		t.Fatalf("expected invalid amount error")
	}
}

func TestSignerFromEnv(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv("CHAINAI_TEST_SIGNER", "0x"+common.Bytes2Hex(crypto.FromECDSA(key)))

	signer, err := SignerFromEnv("CHAINAI_TEST_SIGNER")
	if err != nil {
		t.Fatalf("signer from env: %v", err)
	}
	if signer.Address() != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("unexpected signer address")
	}
	if s, err := SignerFromEnv("CHAINAI_TEST_SIGNER_UNSET"); s != nil || err != nil {
		t.Fatalf("expected nil signer for unset variable")
	}
}
