package replication

// Message types routed through the node's messaging service.
const (
	MsgTypeRaft    = "replication.raft"
	MsgTypeCommand = "replication.command"
)

// raftEnvelope carries one consensus protocol message for a group. Data is
// the protobuf-encoded raftpb.Message.
type raftEnvelope struct {
	Group string `json:"group"`
	From  uint64 `json:"from"`
	Data  []byte `json:"data"`
}

// CommandRequest submits one encoded command to a group. The receiving node
// must lead the group; otherwise it answers with the leader's address.
type CommandRequest struct {
	Group   string `json:"group"`
	Command []byte `json:"command"`
}

type CommandResponse struct {
	OK         bool   `json:"ok"`
	NotLeader  bool   `json:"notLeader,omitempty"`
	LeaderAddr string `json:"leaderAddr,omitempty"`
	Result     []byte `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}
