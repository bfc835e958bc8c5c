package logger

// Field keys used across the registry so log lines stay greppable. Always
// log these through the constants, never ad-hoc strings.
const (
	KeyDataInfoID  = "dataInfoId"
	KeyRegisterID  = "registerId"
	KeyConnID      = "connId"
	KeySlotID      = "slotId"
	KeyEpoch       = "epoch"
	KeyLeaderEpoch = "leaderEpoch"
	KeySessionIP   = "sessionIp"
	KeyAddr        = "addr"
	KeyVersion     = "version"
	KeyDataCenter  = "dataCenter"
)
