package registry

// ABI fragments for the token and the cover protocol programs.
const (
	ERC20MinimalABI = `[
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
	]`

	GovernanceABI = `[
		{"name":"report","type":"function","stateMutability":"nonpayable","inputs":[{"name":"coverKey","type":"bytes32"},{"name":"info","type":"bytes32"},{"name":"stake","type":"uint256"}],"outputs":[]},
		{"name":"getFirstReportingStake","type":"function","stateMutability":"view","inputs":[{"name":"coverKey","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	StakingPoolsABI = `[
		{"name":"deposit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"key","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]},
		{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"key","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]},
		{"name":"withdrawRewards","type":"function","stateMutability":"nonpayable","inputs":[{"name":"key","type":"bytes32"}],"outputs":[]},
		{"name":"getInfo","type":"function","stateMutability":"view","inputs":[{"name":"key","type":"bytes32"},{"name":"you","type":"address"}],"outputs":[{"name":"name","type":"string"},{"name":"addresses","type":"address[]"},{"name":"values","type":"uint256[]"}]}
	]`

	ResolutionABI = `[
		{"name":"unstake","type":"function","stateMutability":"nonpayable","inputs":[{"name":"coverKey","type":"bytes32"},{"name":"incidentDate","type":"uint256"}],"outputs":[]},
		{"name":"unstakeWithClaim","type":"function","stateMutability":"nonpayable","inputs":[{"name":"coverKey","type":"bytes32"},{"name":"incidentDate","type":"uint256"}],"outputs":[]},
		{"name":"getWithdrawableFrom","type":"function","stateMutability":"view","inputs":[{"name":"coverKey","type":"bytes32"},{"name":"incidentDate","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"getUnstakeInfoFor","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"coverKey","type":"bytes32"},{"name":"incidentDate","type":"uint256"}],"outputs":[{"name":"totalStakeInWinningCamp","type":"uint256"},{"name":"totalStakeInLosingCamp","type":"uint256"},{"name":"myStakeInWinningCamp","type":"uint256"},{"name":"toBurn","type":"uint256"},{"name":"toReporter","type":"uint256"},{"name":"myReward","type":"uint256"}]}
	]`

	ClaimsProcessorABI = `[
		{"name":"claim","type":"function","stateMutability":"nonpayable","inputs":[{"name":"cxToken","type":"address"},{"name":"coverKey","type":"bytes32"},{"name":"incidentDate","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[]}
	]`
)

// Positions inside the values array returned by StakingPools.getInfo.
const (
	PoolInfoTotalStaked = iota
	PoolInfoTarget
	PoolInfoMaximumStake
	PoolInfoStakeBalance
	PoolInfoCumulativeDeposits
	PoolInfoRewardPerBlock
	PoolInfoPlatformFee
	PoolInfoLockupPeriod
	PoolInfoRewardTokenBalance
	PoolInfoAccountStakeBalance
	PoolInfoTotalBlockSinceLastReward
	PoolInfoRewards
	PoolInfoCanWithdrawFromBlockHeight
	PoolInfoLastDepositHeight
	PoolInfoLastRewardHeight
)
