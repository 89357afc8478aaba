package app

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/relaydesk/core/internal/bus"
	"github.com/relaydesk/core/internal/fsentry"
	"github.com/relaydesk/core/internal/registry"
	"github.com/relaydesk/core/internal/sessiontracker"
	"github.com/relaydesk/core/internal/transfer"
)

// decodePayload re-marshals a bus.Command's loosely-typed Payload (as
// decoded off a JSON wire frame) into dst. The bus itself never knows
// the concrete shape of any command's arguments; each handler decodes
// its own.
func decodePayload(payload any, dst any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(json.Unmarshal(data, dst))
}

// registerHandlers binds every inbound command name from spec §6 to its
// App method.
func (a *App) registerHandlers() {
	a.registerHostHandlers()
	a.registerCredentialHandlers()
	a.registerConnectHandlers()
	a.registerSftpHandlers()
	a.registerTransferHandlers()
	a.registerEditHandlers()
	a.registerBroadcastHandlers()
	a.registerHostKeyHandlers()
}

func (a *App) registerHostHandlers() {
	a.Hub.RegisterHandler("ListHosts", func(context.Context, any) (any, error) {
		return a.Hosts.List(), nil
	})
	a.Hub.RegisterHandler("GetHost", func(_ context.Context, p any) (any, error) {
		var req struct{ ID string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return a.Hosts.Get(req.ID)
	})
	a.Hub.RegisterHandler("SaveHost", func(_ context.Context, p any) (any, error) {
		var req struct {
			Host     registry.Host
			Password string
			KeyPath  string
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		var secret *registry.Secret
		if req.Password != "" || req.KeyPath != "" {
			secret = &registry.Secret{Password: req.Password, PrivateKeyPath: req.KeyPath}
		}
		if req.Host.Folder != "" {
			_ = a.Folders.Ensure(req.Host.Folder)
		}
		return a.Hosts.Save(req.Host, secret)
	})
	a.Hub.RegisterHandler("DeleteHost", func(_ context.Context, p any) (any, error) {
		var req struct{ ID string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Hosts.Delete(req.ID)
	})
	a.Hub.RegisterHandler("CloneHost", func(_ context.Context, p any) (any, error) {
		var req struct{ ID string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return a.Hosts.Clone(req.ID)
	})
	a.Hub.RegisterHandler("TogglePin", func(_ context.Context, p any) (any, error) {
		var req struct{ ID string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return a.Hosts.TogglePin(req.ID)
	})
	a.Hub.RegisterHandler("RenameFolder", func(_ context.Context, p any) (any, error) {
		var req struct{ Old, New string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		if err := a.Folders.Rename(req.Old, req.New); err != nil {
			return nil, err
		}
		return a.Hosts.RenameFolder(req.Old, req.New)
	})
	a.Hub.RegisterHandler("MoveHostToFolder", func(_ context.Context, p any) (any, error) {
		var req struct {
			ID     string
			Folder string
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		_ = a.Folders.Ensure(req.Folder)
		return nil, a.Hosts.MoveToFolder(req.ID, req.Folder)
	})
	a.Hub.RegisterHandler("BulkDeleteHosts", func(_ context.Context, p any) (any, error) {
		var req struct{ IDs []string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return a.Hosts.BulkDelete(req.IDs), nil
	})
	a.Hub.RegisterHandler("BulkMoveToFolder", func(_ context.Context, p any) (any, error) {
		var req struct {
			IDs    []string
			Folder string
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		_ = a.Folders.Ensure(req.Folder)
		return a.Hosts.BulkMoveToFolder(req.IDs, req.Folder), nil
	})
	a.Hub.RegisterHandler("BulkAssignTags", func(_ context.Context, p any) (any, error) {
		var req struct {
			IDs  []string
			Tags []string
			Mode registry.TagAssignMode
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return a.Hosts.BulkAssignTags(req.IDs, req.Tags, req.Mode), nil
	})
	a.Hub.RegisterHandler("ImportHosts", func(_ context.Context, p any) (any, error) {
		var req struct{ Hosts []registry.PartialHost }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return a.Hosts.Import(req.Hosts)
	})
	a.Hub.RegisterHandler("ExportHosts", func(_ context.Context, p any) (any, error) {
		var req struct{ IDs []string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return a.Hosts.Export(req.IDs), nil
	})
}

func (a *App) registerCredentialHandlers() {
	a.Hub.RegisterHandler("ListCredentials", func(context.Context, any) (any, error) {
		return a.Credentials.List(), nil
	})
	a.Hub.RegisterHandler("SaveCredential", func(_ context.Context, p any) (any, error) {
		var req struct {
			Credential registry.Credential
			Secret     registry.Secret
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return a.Credentials.Save(req.Credential, req.Secret)
	})
	a.Hub.RegisterHandler("DeleteCredential", func(_ context.Context, p any) (any, error) {
		var req struct{ ID string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Credentials.Delete(req.ID)
	})
}

func (a *App) registerConnectHandlers() {
	a.Hub.RegisterHandler("OpenTerminal", func(ctx context.Context, p any) (any, error) {
		var req struct {
			HostID string
			Cols   uint32
			Rows   uint32
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		sessionID, err := a.OpenTerminal(ctx, req.HostID, req.Cols, req.Rows)
		if err != nil {
			return nil, err
		}
		return struct {
			SessionID string `json:"session_id"`
		}{sessionID}, nil
	})
	a.Hub.RegisterHandler("WriteTerminal", func(_ context.Context, p any) (any, error) {
		var req struct {
			SessionID string
			Bytes     []byte
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.WriteTerminal(req.SessionID, req.Bytes)
	})
	a.Hub.RegisterHandler("ResizeTerminal", func(_ context.Context, p any) (any, error) {
		var req struct {
			SessionID  string
			Cols, Rows uint32
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.ResizeTerminal(req.SessionID, req.Cols, req.Rows)
	})
	a.Hub.RegisterHandler("CloseTerminal", func(_ context.Context, p any) (any, error) {
		var req struct{ SessionID string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.CloseTerminal(req.SessionID)
	})
}

func (a *App) registerSftpHandlers() {
	a.Hub.RegisterHandler("Sftp.List", func(ctx context.Context, p any) (any, error) {
		var req struct {
			HostID string
			Path   string
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return a.Sftp.List(ctx, req.HostID, req.Path)
	})
	a.Hub.RegisterHandler("Sftp.Stat", func(ctx context.Context, p any) (any, error) {
		var req struct{ HostID, Path string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return a.Sftp.Stat(ctx, req.HostID, req.Path)
	})
	a.Hub.RegisterHandler("Sftp.Mkdir", func(ctx context.Context, p any) (any, error) {
		var req struct{ HostID, Path string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Sftp.Mkdir(ctx, req.HostID, req.Path)
	})
	a.Hub.RegisterHandler("Sftp.Delete", func(ctx context.Context, p any) (any, error) {
		var req struct {
			HostID, Path string
			Recursive    bool
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Sftp.Delete(ctx, req.HostID, req.Path, req.Recursive)
	})
	a.Hub.RegisterHandler("Sftp.Rename", func(ctx context.Context, p any) (any, error) {
		var req struct{ HostID, OldPath, NewPath string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Sftp.Rename(ctx, req.HostID, req.OldPath, req.NewPath)
	})
	// Move carries the same semantics as Rename over SFTP's single
	// rename-request wire operation (spec §6 lists Rename and Move as
	// distinct commands; SFTP itself does not distinguish "same
	// directory" from "different directory" renames).
	a.Hub.RegisterHandler("Sftp.Move", func(ctx context.Context, p any) (any, error) {
		var req struct{ HostID, OldPath, NewPath string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Sftp.Rename(ctx, req.HostID, req.OldPath, req.NewPath)
	})
	a.Hub.RegisterHandler("Sftp.Copy", func(ctx context.Context, p any) (any, error) {
		var req struct{ HostID, SrcPath, DstPath string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Sftp.Copy(ctx, req.HostID, req.SrcPath, req.DstPath)
	})
	a.Hub.RegisterHandler("Sftp.Read", func(ctx context.Context, p any) (any, error) {
		var req struct{ HostID, Path string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return a.Sftp.ReadFile(ctx, req.HostID, req.Path)
	})
	a.Hub.RegisterHandler("Sftp.Write", func(ctx context.Context, p any) (any, error) {
		var req struct {
			HostID, Path string
			Data         []byte
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Sftp.WriteFile(ctx, req.HostID, req.Path, req.Data)
	})
	a.Hub.RegisterHandler("Sftp.Symlink", func(ctx context.Context, p any) (any, error) {
		var req struct{ HostID, Target, LinkPath string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Sftp.CreateSymlink(ctx, req.HostID, req.Target, req.LinkPath)
	})
	a.Hub.RegisterHandler("Sftp.Checksum", func(ctx context.Context, p any) (any, error) {
		var req struct {
			HostID, Path string
			Algo         fsentry.ChecksumAlgo
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return a.Sftp.Checksum(ctx, req.HostID, req.Path, req.Algo)
	})
}

func (a *App) registerTransferHandlers() {
	a.Hub.RegisterHandler("Transfer.Add", func(_ context.Context, p any) (any, error) {
		var spec transfer.JobSpec
		if err := decodePayload(p, &spec); err != nil {
			return nil, err
		}
		return a.Transfers.Add(spec)
	})
	a.Hub.RegisterHandler("Transfer.Pause", func(_ context.Context, p any) (any, error) {
		var req struct{ JobID string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Transfers.Pause(req.JobID)
	})
	a.Hub.RegisterHandler("Transfer.Resume", func(_ context.Context, p any) (any, error) {
		var req struct{ JobID string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Transfers.Resume(req.JobID)
	})
	a.Hub.RegisterHandler("Transfer.Cancel", func(_ context.Context, p any) (any, error) {
		var req struct{ JobID string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Transfers.Cancel(req.JobID)
	})
	a.Hub.RegisterHandler("Transfer.ClearCompleted", func(context.Context, any) (any, error) {
		a.Transfers.ClearCompleted()
		return nil, nil
	})
	a.Hub.RegisterHandler("Transfer.ResolveConflict", func(_ context.Context, p any) (any, error) {
		var req struct {
			JobID  string
			Action transfer.ConflictAction
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Transfers.ResolveConflict(req.JobID, req.Action)
	})
}

func (a *App) registerEditHandlers() {
	a.Hub.RegisterHandler("Edit.Open", func(ctx context.Context, p any) (any, error) {
		var req struct{ HostID, RemotePath string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		sess, err := a.Editor.Open(ctx, req.HostID, req.RemotePath)
		if err != nil {
			return nil, err
		}
		if _, err := a.Sessions.RegisterSession(req.HostID, sessiontracker.KindEdit); err != nil {
			a.log.WithError(err).Warn("failed to persist edit session record")
		}
		return sess, nil
	})
	a.Hub.RegisterHandler("Edit.Close", func(_ context.Context, p any) (any, error) {
		var req struct{ WatcherID string }
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return nil, a.Editor.Close(req.WatcherID)
	})
}

func (a *App) registerBroadcastHandlers() {
	a.Hub.RegisterHandler("Broadcast", func(_ context.Context, p any) (any, error) {
		var req struct {
			HostIDs []string
			Command string
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		return a.Broadcaster.Broadcast(req.HostIDs, req.Command), nil
	})
}

func (a *App) registerHostKeyHandlers() {
	a.Hub.RegisterHandler("HostKey.Accept", func(_ context.Context, p any) (any, error) {
		var req struct {
			Host string
			Port int
			Save bool
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		a.AcceptHostKey(req.Host, req.Port, req.Save)
		return nil, nil
	})
	a.Hub.RegisterHandler("HostKey.Deny", func(_ context.Context, p any) (any, error) {
		var req struct {
			Host string
			Port int
		}
		if err := decodePayload(p, &req); err != nil {
			return nil, err
		}
		a.DenyHostKey(req.Host, req.Port)
		return nil, nil
	})
}
