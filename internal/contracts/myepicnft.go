// Package contracts holds the ABI of the deployed MyEpicNFT contract.
package contracts

// Method and event names used by the bindings.
const (
	MethodMint        = "makeAnEpicNFT"
	MethodTotalMinted = "getTotalNFTsMintedSoFar"
	EventMinted       = "NewEpicNFTMinted"
)

// MyEpicNFTABI is the subset of the MyEpicNFT ABI the minter talks to.
const MyEpicNFTABI = `[
	{
		"inputs": [],
		"name": "makeAnEpicNFT",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getTotalNFTsMintedSoFar",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "internalType": "address", "name": "sender",  "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "tokenId", "type": "uint256"}
		],
		"name": "NewEpicNFTMinted",
		"type": "event"
	}
]`
