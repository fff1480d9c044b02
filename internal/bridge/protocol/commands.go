package protocol

// Control-socket command names.
const (
	CmdUAList    = "ualist"
	CmdRegInfo   = "reginfo"
	CmdContacts  = "contacts"
	CmdListCalls = "listcalls"
	CmdCallStat  = "callstat"
	CmdSysInfo   = "sysinfo"
	CmdUAFind    = "uafind"
	CmdDial      = "dial"
	CmdHangup    = "hangup"
)

// DiscoveryCommands are sent once after every successful connect.
var DiscoveryCommands = []string{
	CmdUAList,
	CmdRegInfo,
	CmdContacts,
	CmdListCalls,
	CmdSysInfo,
}
