// Package testutil holds fixtures shared by the txfinalizer test suites: a
// handful of addresses and amounts, calldata builders, a field-backed jarvis
// network and FakeBackend, an in-memory stand-in for *ethclient.Client.
//
// Mocks of the txfinalizer interfaces live in that package's own test files.
// testutil must not import txfinalizer, which tests there import in turn.
//
//	network := testutil.NewNetwork(testutil.ChainIDMainnet, "mock-mainnet")
//	backend := testutil.NewFakeBackend()
//	backend.SetCode(testutil.TestToken, testutil.ContractCode)
package testutil
