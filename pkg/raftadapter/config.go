package raftadapter

import (
	"go.etcd.io/etcd/raft/v3"

	"tscluster/pkg/config"
)

func toRaftConfig(c *config.RaftConfig) *raft.Config {
	rc := &raft.Config{
		ID:                        c.ID,
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxCommittedSizePerReady:  c.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: c.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               c.CheckQuorum,
		PreVote:                   c.PreVote,
	}
	if rc.ElectionTick == 0 {
		rc.ElectionTick = 10
	}
	if rc.HeartbeatTick == 0 {
		rc.HeartbeatTick = 1
	}
	if rc.MaxInflightMsgs == 0 {
		rc.MaxInflightMsgs = 256
	}
	return rc
}
