package tunnel

import (
	"fmt"

	"github.com/porticodev/portico/internal/model"
)

// CommandSpec describes the proxy subprocess to spawn for one tunnel.
type CommandSpec struct {
	Name string
	Args []string
	// Env replaces the inherited environment when non-nil.
	Env []string
}

// CommandBuilder constructs the proxy subprocess command for a tunnel. The
// transport protocol itself belongs entirely to the spawned program.
type CommandBuilder interface {
	TunnelCommand(target model.RemoteTarget, host model.MediatingHost, localPort int) CommandSpec
}

// SSMCommandBuilder shells out to the AWS CLI's session-manager port
// forwarding through the mediating host. The session binds the chosen local
// port on loopback and forwards it to the target's private SSH endpoint.
type SSMCommandBuilder struct {
	Region     string
	RemotePort int
}

func (b SSMCommandBuilder) TunnelCommand(target model.RemoteTarget, host model.MediatingHost, localPort int) CommandSpec {
	remotePort := b.RemotePort
	if remotePort == 0 {
		remotePort = 22
	}
	params := fmt.Sprintf(`{"host":["%s"],"portNumber":["%d"],"localPortNumber":["%d"]}`, target.PrivateIP, remotePort, localPort)
	args := []string{
		"ssm", "start-session",
		"--target", host.ID,
		"--document-name", "AWS-StartPortForwardingSessionToRemoteHost",
		"--parameters", params,
	}
	if b.Region != "" {
		args = append(args, "--region", b.Region)
	}
	return CommandSpec{Name: "aws", Args: args}
}
