package protocol

// Command is a closed set of command tags understood on the channel.
type Command string

const (
	CmdRegister              Command = "register"
	CmdOnNodeChange          Command = "on_node_change"
	CmdGetConnectionsList    Command = "get_connections_list"
	CmdGetMasterPublicInfo   Command = "get_master_public_info"
	CmdGetInstalledNodesList Command = "get_installed_nodes_list"
	CmdSetInstalledNodeInfo  Command = "set_installed_node_info"
	CmdGetServicesInfo       Command = "get_services_info"
	CmdSetServiceInfo        Command = "set_service_info"
	CmdReboot                Command = "reboot"
	CmdShutdown              Command = "shutdown"
	CmdInstall               Command = "install"
	CmdUninstall             Command = "uninstall"
	CmdUploadFile            Command = "upload_file"
	CmdGetGitPackages        Command = "get_git_packages"
	CmdGetOnlineDevices      Command = "get_online_devices"
	CmdServicesMngr          Command = "services_mngr"
)

var knownCommands = map[Command]struct{}{
	CmdRegister:              {},
	CmdOnNodeChange:          {},
	CmdGetConnectionsList:    {},
	CmdGetMasterPublicInfo:   {},
	CmdGetInstalledNodesList: {},
	CmdSetInstalledNodeInfo:  {},
	CmdGetServicesInfo:       {},
	CmdSetServiceInfo:        {},
	CmdReboot:                {},
	CmdShutdown:              {},
	CmdInstall:               {},
	CmdUninstall:             {},
	CmdUploadFile:            {},
	CmdGetGitPackages:        {},
	CmdGetOnlineDevices:      {},
	CmdServicesMngr:          {},
}

// ParseCommand maps a wire tag to a Command. Tags outside the set yield
// ErrUnknownCommand.
func ParseCommand(s string) (Command, error) {
	c := Command(s)
	if _, ok := knownCommands[c]; !ok {
		return "", &CommandError{Tag: s}
	}
	return c, nil
}

func (c Command) String() string {
	return string(c)
}
