package broker

import "github.com/mkovalev/wirehub/internal/proto"

// Features are the optional protocol capabilities this broker announces.
type Features struct {
	PublicChannels   bool
	ServerCommands   bool
	SimpleQueries    bool
	ChannelPasswords bool
}

// Capabilities builds the handshake announcement for this feature set.
func (f Features) Capabilities() proto.Capabilities {
	tokens := make([]string, 0, 4)
	if f.PublicChannels {
		tokens = append(tokens, proto.TokenPublicChannels)
	}
	if f.ServerCommands {
		tokens = append(tokens, proto.TokenServerCommands)
	}
	if f.SimpleQueries {
		tokens = append(tokens, proto.TokenSimpleQueries)
	}
	if f.ChannelPasswords {
		tokens = append(tokens, proto.TokenChannelPasswords)
	}
	return proto.BuildCapabilities(tokens...)
}
