package connectivity

import "github.com/matheus3301/chatsync/internal/syncerr"

var errLinkDown = syncerr.Errorf(syncerr.Transient, "connectivity.probe", "link down")
