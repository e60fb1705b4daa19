package logproc

// Event signature topics (keccak256 of the canonical signature), lowercase.
const (
	// Transfer(address,address,uint256) for ERC-20, plus the indexed
	// tokenId variant for ERC-721; the two share a signature and are told
	// apart by topic count.
	TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

	// Approval(address,address,uint256)
	ApprovalTopic = "0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925"

	// TransferSingle(address,address,address,uint256,uint256)
	TransferSingleTopic = "0xc3d58168c5ae7397731d063d5bbf3d657854427343f4c083240f7aacaa2d0f62"

	// TransferBatch(address,address,address,uint256[],uint256[])
	TransferBatchTopic = "0x4a39dc06d4c0dbc64b70af90fd698a233a518aa5d07e595d983b8c0526c8f7fb"

	// Swap(address,uint256,uint256,uint256,uint256,address) on Uniswap V2
	// and SushiSwap pairs.
	SwapV2Topic = "0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822"

	// Swap(address,address,int256,int256,uint160,uint128,int24) on
	// Uniswap V3 pools.
	SwapV3Topic = "0xc42079f94a6350d7e6235f29174924f928cc2ac818eb64fed8004e115fbcca67"
)
