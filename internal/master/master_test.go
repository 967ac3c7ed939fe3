package master

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mksmaster/internal/api"
	"mksmaster/internal/config"
	"mksmaster/internal/logging"
	"mksmaster/internal/metrics"
	"mksmaster/internal/model"
	"mksmaster/internal/protocol"
	"mksmaster/internal/store"
	"mksmaster/internal/xjson"
)

const (
	testMasterUUID = "11111111-1111-1111-1111-111111111111"
	waitFor        = 3 * time.Second
	pollEvery      = 10 * time.Millisecond
)

type spawnCall struct {
	Binary string
	Dir    string
	Args   []string
}

type fakeSpawner struct {
	mu    sync.Mutex
	calls []spawnCall
}

func (s *fakeSpawner) Spawn(binary, dir string, args ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, spawnCall{Binary: binary, Dir: dir, Args: args})
	return nil
}

func (s *fakeSpawner) Calls() []spawnCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spawnCall(nil), s.calls...)
}

type harness struct {
	m       *Master
	cfg     config.MasterConfig
	addr    string
	spawner *fakeSpawner
	errCh   chan error
}

func newConfig(t *testing.T) config.MasterConfig {
	t.Helper()
	off := false
	cfg := config.Config{Master: &config.MasterConfig{
		Listen:          "127.0.0.1:0",
		UUID:            testMasterUUID,
		DataDir:         t.TempDir(),
		NodeCommand:     []string{"run-node", "main.py"},
		BoardType:       "rpi4",
		TickMs:          10,
		ShutdownGraceMs: 1,
		BootLaunch:      &off,
	}}
	require.NoError(t, config.ApplyDefaults(&cfg))
	return *cfg.Master
}

func startMaster(t *testing.T, cfg config.MasterConfig) *harness {
	t.Helper()
	h := &harness{cfg: cfg, spawner: &fakeSpawner{}, errCh: make(chan error, 1)}
	m, err := New(cfg, Options{
		Spawner: h.spawner,
		Metrics: metrics.Static{CPUUsage: "12.5", OSType: "Linux"},
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)
	h.m = m

	go func() { h.errCh <- m.Run(context.Background()) }()
	select {
	case <-m.Ready():
	case err := <-h.errCh:
		t.Fatalf("Run: %v", err)
	case <-time.After(waitFor):
		t.Fatal("master did not start listening")
	}
	h.addr = m.Addr().String()

	t.Cleanup(func() {
		m.Shutdown("test cleanup")
		select {
		case <-h.errCh:
		case <-time.After(waitFor):
			t.Error("Run did not return after shutdown")
		}
	})
	return h
}

func (h *harness) dial(t *testing.T, uuid string, nodeType int, handler api.Handler) *api.Client {
	t.Helper()
	return h.dialOpts(t, api.Options{UUID: uuid, Name: uuid, Type: nodeType, LocalType: "NODE", Handler: handler})
}

func (h *harness) dialOpts(t *testing.T, opts api.Options) *api.Client {
	t.Helper()
	opts.Logger = logging.Discard()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := api.Dial(ctx, h.addr, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func call(t *testing.T, c *api.Client, cmd protocol.Command, in, out any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return c.Call(ctx, "", cmd, in, out)
}

func enabled(v int) *int { return &v }

func writePackageZip(t *testing.T, path, manifest string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range map[string]string{"system.json": manifest, "app.py": "print('hi')\n"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func manifest(uuid, name string, nodeType int, isService string) string {
	doc := map[string]any{"node": map[string]any{"info": map[string]any{
		"uuid": uuid, "name": name, "type": nodeType, "is_service": isService,
	}}}
	b, _ := xjson.Marshal(doc)
	return string(b)
}

func seedNodes(t *testing.T, cfg config.MasterConfig, nodes ...model.InstalledNode) {
	t.Helper()
	db, err := store.OpenNodes(cfg.NodesDBPath())
	require.NoError(t, err)
	for _, n := range nodes {
		require.NoError(t, db.Upsert(n))
	}
}

func seedServices(t *testing.T, cfg config.MasterConfig, services ...model.ServiceEntry) {
	t.Helper()
	require.NoError(t, store.Save(cfg.ServicesDBPath(), map[string]any{"on_boot_services": services}))
}

func TestUploadInstallsPackage(t *testing.T) {
	t.Parallel()

	h := startMaster(t, newConfig(t))
	c := h.dial(t, "uploader-1", 9, nil)

	archive := filepath.Join(t.TempDir(), "camera.zip")
	writePackageZip(t, archive, manifest("cam-1", "camera", 5, "False"))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	res, err := c.UploadFile(ctx, archive, 64)
	require.NoError(t, err)
	assert.Equal(t, "camera.zip", res.File)
	assert.Greater(t, res.Chunks, 1)

	require.Eventually(t, func() bool {
		var out api.InstalledNodesResponse
		if err := call(t, c, protocol.CmdGetInstalledNodesList, nil, &out); err != nil {
			return false
		}
		return len(out.InstalledNodes) == 1 && out.InstalledNodes[0].UUID == "cam-1"
	}, waitFor, pollEvery)

	assert.FileExists(t, filepath.Join(h.cfg.NodesPath(), "5", "system.json"))
	assert.FileExists(t, filepath.Join(h.cfg.UploadPath(), "camera.zip"))

	db, err := store.OpenNodes(h.cfg.NodesDBPath())
	require.NoError(t, err)
	node, ok := db.Get("cam-1")
	require.True(t, ok)
	assert.Equal(t, model.InstalledNode{UUID: "cam-1", Name: "camera", Type: 5, Enabled: 1}, node)
}

func TestFailedInstallCounted(t *testing.T) {
	t.Parallel()

	h := startMaster(t, newConfig(t))
	c := h.dial(t, "uploader-1", 9, nil)

	archive := filepath.Join(t.TempDir(), "bad.zip")
	writePackageZip(t, archive, manifest("bad-1", "bad", model.TypeMaster, "False"))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := c.UploadFile(ctx, archive, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.m.installFailures.Load() == 1 }, waitFor, pollEvery)
	var out api.InstalledNodesResponse
	require.NoError(t, call(t, c, protocol.CmdGetInstalledNodesList, nil, &out))
	assert.Empty(t, out.InstalledNodes)
}

func TestUploadOutOfOrderRejected(t *testing.T) {
	t.Parallel()

	h := startMaster(t, newConfig(t))
	c := h.dial(t, "uploader-1", 9, nil)

	var resp api.UploadResponse
	require.NoError(t, call(t, c, protocol.CmdUploadFile, api.UploadRequest{File: "a.zip", Chunk: 3, Chunks: 4, Bytes: []byte("x")}, &resp))
	assert.Equal(t, api.StatusReject, resp.Status)
	assert.Equal(t, 3, resp.Chunk)
	assert.NotEmpty(t, resp.Error)
}

func TestInstallAndUninstallAccepted(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t)
	require.NoError(t, os.MkdirAll(cfg.UploadPath(), 0o755))
	writePackageZip(t, filepath.Join(cfg.UploadPath(), "lidar.zip"), manifest("lidar-1", "lidar", 6, "False"))
	h := startMaster(t, cfg)
	c := h.dial(t, "ui-1", 9, nil)

	var inst api.InstallResponse
	require.NoError(t, call(t, c, protocol.CmdInstall, api.InstallRequest{Type: api.InstallTypeFile, File: "lidar.zip"}, &inst))
	assert.Equal(t, api.InstallResponse{Status: api.StatusAccepted, File: "lidar.zip"}, inst)

	require.Eventually(t, func() bool {
		var out api.InstalledNodesResponse
		return call(t, c, protocol.CmdGetInstalledNodesList, nil, &out) == nil && len(out.InstalledNodes) == 1
	}, waitFor, pollEvery)

	var un api.UninstallResponse
	require.NoError(t, call(t, c, protocol.CmdUninstall, api.UninstallRequest{UUID: "lidar-1"}, &un))
	assert.Equal(t, api.UninstallResponse{Status: api.StatusAccepted, UUID: "lidar-1"}, un)

	require.Eventually(t, func() bool {
		var out api.InstalledNodesResponse
		return call(t, c, protocol.CmdGetInstalledNodesList, nil, &out) == nil && len(out.InstalledNodes) == 0
	}, waitFor, pollEvery)
	assert.NoDirExists(t, filepath.Join(h.cfg.NodesPath(), "6"))
}

func TestInstallRejectsMissingFile(t *testing.T) {
	t.Parallel()

	h := startMaster(t, newConfig(t))
	c := h.dial(t, "ui-1", 9, nil)

	err := call(t, c, protocol.CmdInstall, map[string]string{"type": "file"}, nil)
	require.ErrorIs(t, err, api.ErrCommandFailed)
}

func TestSetInstalledNodeInfo(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t)
	seedNodes(t, cfg, model.InstalledNode{UUID: "cam-1", Name: "camera", Type: 5, Enabled: 1})
	h := startMaster(t, cfg)
	c := h.dial(t, "ui-1", 9, nil)

	var out api.ErrorResponse
	require.NoError(t, call(t, c, protocol.CmdSetInstalledNodeInfo, api.SetEnabledRequest{UUID: "cam-1", Enabled: enabled(0)}, &out))
	assert.Equal(t, api.StatusOK, out.Error)

	db, err := store.OpenNodes(cfg.NodesDBPath())
	require.NoError(t, err)
	node, ok := db.Get("cam-1")
	require.True(t, ok)
	assert.Equal(t, 0, node.Enabled)

	// Unknown uuid still answers ok and changes nothing.
	require.NoError(t, call(t, c, protocol.CmdSetInstalledNodeInfo, api.SetEnabledRequest{UUID: "nope", Enabled: enabled(1)}, &out))
	assert.Equal(t, api.StatusOK, out.Error)
	var list api.InstalledNodesResponse
	require.NoError(t, call(t, c, protocol.CmdGetInstalledNodesList, nil, &list))
	require.Len(t, list.InstalledNodes, 1)

	err = call(t, c, protocol.CmdSetInstalledNodeInfo, api.SetEnabledRequest{UUID: "cam-1", Enabled: enabled(7)}, nil)
	require.ErrorIs(t, err, api.ErrCommandFailed)
}

func TestUnknownCommandKeepsConnection(t *testing.T) {
	t.Parallel()

	h := startMaster(t, newConfig(t))
	c := h.dial(t, "ui-1", 9, nil)

	err := call(t, c, protocol.Command("make_coffee"), nil, nil)
	require.ErrorIs(t, err, api.ErrCommandFailed)

	var conns api.ConnectionsResponse
	require.NoError(t, call(t, c, protocol.CmdGetConnectionsList, nil, &conns))
	require.Len(t, conns.Connections, 1)
}

func TestMalformedFrameAnsweredWithError(t *testing.T) {
	t.Parallel()

	h := startMaster(t, newConfig(t))
	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(waitFor))

	body := []byte("{not json")
	raw := make([]byte, 8+len(body))
	copy(raw, protocol.Magic[:])
	binary.BigEndian.PutUint32(raw[4:], uint32(len(body)))
	copy(raw[8:], body)
	_, err = conn.Write(raw)
	require.NoError(t, err)

	resp := readFrame(t, conn)
	var out api.ErrorResponse
	require.NoError(t, protocol.GetPayloadFromFrame(resp, &out))
	assert.Equal(t, api.ErrorCode, out.Error)

	// The same connection still registers.
	req, err := protocol.BuildRequest(protocol.RoutingDirect, testMasterUUID, "raw-1", protocol.CmdRegister, api.RegisterRequest{UUID: "raw-1"}, nil)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, req))
	resp = readFrame(t, conn)
	var reg api.RegisterResponse
	require.NoError(t, protocol.GetPayloadFromFrame(resp, &reg))
	assert.Equal(t, api.RegisterResponse{Status: api.StatusOK, UUID: testMasterUUID}, reg)
	assert.Equal(t, req.Header.ID, resp.Header.ID)
}

func readFrame(t *testing.T, conn net.Conn) *protocol.Frame {
	t.Helper()
	body, err := protocol.ReadFrame(conn, 0)
	require.NoError(t, err)
	f, err := protocol.Decode(body)
	require.NoError(t, err)
	return f
}

func TestConnectionsList(t *testing.T) {
	t.Parallel()

	h := startMaster(t, newConfig(t))
	c := h.dialOpts(t, api.Options{UUID: "cam-1", Name: "camera", Type: 5, LocalType: "NODE", PID: 321, ListenerPort: 8080})
	h.dialOpts(t, api.Options{UUID: "guard-1", Name: "guardian", Type: 2, LocalType: "DEFENDER", IsService: true})

	var out api.ConnectionsResponse
	require.NoError(t, call(t, c, protocol.CmdGetConnectionsList, nil, &out))
	require.Len(t, out.Connections, 2)

	byUUID := map[string]api.ConnectionInfo{}
	for _, ci := range out.Connections {
		byUUID[ci.UUID] = ci
	}
	assert.Equal(t, api.ConnectionInfo{
		LocalType: "GUARDIAN", UUID: "cam-1", Name: "camera", IP: "127.0.0.1", Port: 8080, Type: 5, PID: 321,
	}, byUUID["cam-1"])
	assert.Equal(t, "SERVICE", byUUID["guard-1"].LocalType)
	assert.True(t, byUUID["guard-1"].IsService)
}

func TestRebootRoutesToGuardian(t *testing.T) {
	t.Parallel()

	h := startMaster(t, newConfig(t))
	ui := h.dial(t, "ui-1", 9, nil)

	var out api.StatusResponse
	require.NoError(t, call(t, ui, protocol.CmdReboot, nil, &out))
	assert.Equal(t, api.RebootFailed, out.Status)

	got := make(chan *protocol.Frame, 1)
	h.dial(t, "guard-1", model.TypeDefender, func(_ context.Context, c *api.Client, f *protocol.Frame) {
		got <- f
		_ = c.Reply(f, api.StatusResponse{Status: api.StatusOK})
	})

	require.NoError(t, call(t, ui, protocol.CmdReboot, nil, &out))
	assert.Equal(t, api.RebootOK, out.Status)

	select {
	case f := <-got:
		assert.Equal(t, string(protocol.CmdReboot), f.Header.Command)
		assert.Equal(t, testMasterUUID, f.Source)
	case <-time.After(waitFor):
		t.Fatal("guardian did not receive reboot")
	}
}

func TestRelayDirectBetweenNodes(t *testing.T) {
	t.Parallel()

	h := startMaster(t, newConfig(t))
	a := h.dial(t, "node-a", 5, nil)
	h.dial(t, "node-b", 6, func(_ context.Context, c *api.Client, f *protocol.Frame) {
		_ = c.Reply(f, api.NodeChangeEvent{OnlineDevices: []map[string]any{{"ip": "10.0.0.7"}}})
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	var out api.NodeChangeEvent
	require.NoError(t, a.Call(ctx, "node-b", protocol.CmdGetOnlineDevices, map[string]any{}, &out))
	require.Len(t, out.OnlineDevices, 1)
	assert.Equal(t, "10.0.0.7", out.OnlineDevices[0]["ip"])

	err := a.Call(ctx, "node-missing", protocol.CmdGetOnlineDevices, map[string]any{}, nil)
	require.ErrorIs(t, err, api.ErrCommandFailed)
}

func TestBroadcastRelayedAndHandled(t *testing.T) {
	t.Parallel()

	h := startMaster(t, newConfig(t))
	a := h.dial(t, "node-a", 5, nil)
	got := make(chan *protocol.Frame, 1)
	b := h.dial(t, "node-b", 6, func(_ context.Context, _ *api.Client, f *protocol.Frame) { got <- f })

	ev := api.NodeChangeEvent{Event: "joined", OnlineDevices: []map[string]any{{"ip": "10.0.0.9"}}}
	require.NoError(t, a.Broadcast(protocol.CmdOnNodeChange, ev))

	select {
	case f := <-got:
		assert.Equal(t, string(protocol.CmdOnNodeChange), f.Header.Command)
		assert.Equal(t, "node-a", f.Source)
	case <-time.After(waitFor):
		t.Fatal("broadcast not relayed")
	}

	require.Eventually(t, func() bool {
		var info api.MasterPublicInfo
		return call(t, b, protocol.CmdGetMasterPublicInfo, nil, &info) == nil && len(info.NetworkDevices) == 1
	}, waitFor, pollEvery)
}

func registerRaw(t *testing.T, addr, uuid string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(waitFor))

	req, err := protocol.BuildRequest(protocol.RoutingDirect, testMasterUUID, uuid, protocol.CmdRegister, api.RegisterRequest{UUID: uuid}, nil)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, req))
	resp := readFrame(t, conn)
	require.Equal(t, req.Header.ID, resp.Header.ID)
	return conn
}

func TestBroadcastReplyReachesOnlyRequester(t *testing.T) {
	t.Parallel()

	h := startMaster(t, newConfig(t))
	a := h.dial(t, "node-a", 5, nil)
	replied := make(chan struct{})
	b := h.dial(t, "node-b", 6, func(_ context.Context, c *api.Client, f *protocol.Frame) {
		_ = c.Reply(f, api.ErrorResponse{Error: api.ErrorNone})
		close(replied)
	})
	other := registerRaw(t, h.addr, "node-c")

	require.NoError(t, a.Broadcast(protocol.CmdOnNodeChange, api.NodeChangeEvent{Event: "joined"}))

	f := readFrame(t, other)
	assert.Equal(t, string(protocol.CmdOnNodeChange), f.Header.Command)
	assert.True(t, f.IsRequest())
	assert.Equal(t, "node-a", f.Source)

	select {
	case <-replied:
	case <-time.After(waitFor):
		t.Fatal("node-b did not receive the broadcast")
	}
	// Frames from one connection are handled in order, so once this call
	// returns the master has already routed node-b's reply.
	var conns api.ConnectionsResponse
	require.NoError(t, call(t, b, protocol.CmdGetConnectionsList, nil, &conns))

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := protocol.ReadFrame(other, 0)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
}

func TestRequestWithoutSourceRejected(t *testing.T) {
	t.Parallel()

	h := startMaster(t, newConfig(t))
	got := make(chan *protocol.Frame, 1)
	h.dial(t, "guard-1", model.TypeDefender, func(_ context.Context, _ *api.Client, f *protocol.Frame) { got <- f })
	conn := registerRaw(t, h.addr, "raw-1")

	f, err := protocol.BuildRequest(protocol.RoutingDirect, testMasterUUID, "", protocol.CmdShutdown, nil, nil)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, f))

	resp := readFrame(t, conn)
	assert.Equal(t, f.Header.ID, resp.Header.ID)
	var out api.ErrorResponse
	require.NoError(t, protocol.GetPayloadFromFrame(resp, &out))
	assert.Equal(t, api.ErrorCode, out.Error)

	select {
	case <-got:
		t.Fatal("shutdown without a source reached the guardian")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMasterPublicInfo(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t)
	seedServices(t, cfg, model.ServiceEntry{UUID: "svc-1", Name: "wifi", Type: 7, Enabled: 1})
	h := startMaster(t, cfg)
	c := h.dial(t, "ui-1", 9, nil)

	var info api.MasterPublicInfo
	require.NoError(t, call(t, c, protocol.CmdGetMasterPublicInfo, nil, &info))
	assert.Equal(t, "12.5", info.CPUUsage)
	assert.Equal(t, "rpi4", info.BoardType)
	assert.Equal(t, []model.ServiceEntry{{UUID: "svc-1", Name: "wifi", Type: 7, Enabled: 1}}, info.OnBootServices)
	assert.Empty(t, info.NetworkDevices)

	var svc api.ServicesResponse
	require.NoError(t, call(t, c, protocol.CmdGetServicesInfo, nil, &svc))
	assert.Equal(t, info.OnBootServices, svc.OnBootServices)
}

func TestSetServiceInfoNotifiesGuardian(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t)
	seedServices(t, cfg, model.ServiceEntry{UUID: "svc-1", Name: "wifi", Type: 7, Enabled: 0})
	h := startMaster(t, cfg)

	cmds := make(chan api.ServiceCommand, 2)
	h.dial(t, "guard-1", model.TypeDefender, func(_ context.Context, c *api.Client, f *protocol.Frame) {
		var sc api.ServiceCommand
		if protocol.GetPayloadFromFrame(f, &sc) == nil {
			cmds <- sc
		}
		_ = c.Reply(f, api.StatusResponse{Status: api.StatusOK})
	})
	ui := h.dial(t, "ui-1", 9, nil)

	var out api.ErrorResponse
	require.NoError(t, call(t, ui, protocol.CmdSetServiceInfo, api.SetEnabledRequest{UUID: "svc-1", Enabled: enabled(1)}, &out))
	assert.Equal(t, api.StatusOK, out.Error)
	select {
	case sc := <-cmds:
		assert.Equal(t, api.ServiceCommand{
			Command: api.ServiceCommandEnable,
			Service: api.ServiceTarget{Enabled: 1, UUID: "svc-1", Name: "wifi", Type: 7},
		}, sc)
	case <-time.After(waitFor):
		t.Fatal("guardian did not receive enable")
	}

	h.dialOpts(t, api.Options{UUID: "wifi-proc", Name: "wifi", Type: 7, LocalType: "NODE", PID: 4242})
	require.NoError(t, call(t, ui, protocol.CmdSetServiceInfo, api.SetEnabledRequest{UUID: "svc-1", Enabled: enabled(0)}, &out))
	select {
	case sc := <-cmds:
		assert.Equal(t, 0, sc.Service.Enabled)
		assert.Equal(t, 4242, sc.Service.PID)
		assert.Equal(t, "wifi-proc", sc.Service.UUID)
	case <-time.After(waitFor):
		t.Fatal("guardian did not receive disable")
	}

	db, err := store.OpenServices(cfg.ServicesDBPath())
	require.NoError(t, err)
	entry, ok := db.Get("svc-1")
	require.True(t, ok)
	assert.Equal(t, 0, entry.Enabled)
}

func TestGitPackages(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t)
	write := func(dir, body string) {
		require.NoError(t, os.MkdirAll(filepath.Join(cfg.NodesPath(), dir), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(cfg.NodesPath(), dir, "system.json"), []byte(body), 0o644))
	}
	write("5", manifest("cam-1", "camera", 5, "False"))
	write("6", manifest("lidar-1", "lidar", 6, "False"))
	write("2", manifest("guard", "guardian", 2, "False"))
	write("7", manifest("wifi", "wifi", 7, "True"))
	seedNodes(t, cfg, model.InstalledNode{UUID: "lidar-1", Name: "lidar", Type: 6, Enabled: 1})

	h := startMaster(t, cfg)
	c := h.dial(t, "ui-1", 9, nil)

	var out api.GitPackagesResponse
	require.NoError(t, call(t, c, protocol.CmdGetGitPackages, nil, &out))
	assert.Equal(t, api.StatusOK, out.Status)
	assert.ElementsMatch(t, []api.GitPackage{
		{Type: 5, UUID: "cam-1", Installed: 0},
		{Type: 6, UUID: "lidar-1", Installed: 1},
	}, out.Packages)
}

func TestBootLaunchStartsEnabledNodes(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t)
	on := true
	cfg.BootLaunch = &on
	seedNodes(t, cfg,
		model.InstalledNode{UUID: "cam-1", Name: "camera", Type: 5, Enabled: 1},
		model.InstalledNode{UUID: "lidar-1", Name: "lidar", Type: 6, Enabled: 0},
	)
	h := startMaster(t, cfg)

	require.Eventually(t, func() bool { return len(h.spawner.Calls()) == 1 }, waitFor, pollEvery)
	assert.Equal(t, spawnCall{
		Binary: "run-node",
		Dir:    filepath.Join(cfg.NodesPath(), "5"),
		Args:   []string{"main.py", "--type", "5"},
	}, h.spawner.Calls()[0])
}

func TestDisconnectRestartsEnabledNode(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t)
	seedNodes(t, cfg, model.InstalledNode{UUID: "cam-1", Name: "camera", Type: 5, Enabled: 1})
	h := startMaster(t, cfg)

	c := h.dial(t, "cam-1", 5, nil)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return len(h.spawner.Calls()) == 1 }, waitFor, pollEvery)
	assert.Equal(t, spawnCall{
		Binary: "run-node",
		Dir:    filepath.Join(cfg.NodesPath(), "5"),
		Args:   []string{"main.py"},
	}, h.spawner.Calls()[0])
}

func TestShutdownFromRoot(t *testing.T) {
	t.Parallel()

	h := startMaster(t, newConfig(t))
	got := make(chan *protocol.Frame, 1)
	h.dial(t, "guard-1", model.TypeDefender, func(_ context.Context, _ *api.Client, f *protocol.Frame) {
		if f.Header.Command == string(protocol.CmdShutdown) {
			got <- f
		}
	})

	send := func(source string) {
		conn, err := net.Dial("tcp", h.addr)
		require.NoError(t, err)
		defer conn.Close()
		f, err := protocol.BuildRequest(protocol.RoutingDirect, testMasterUUID, source, protocol.CmdShutdown, nil, nil)
		require.NoError(t, err)
		require.NoError(t, protocol.WriteFrame(conn, f))
	}

	send("someone-else")
	select {
	case <-got:
		t.Fatal("shutdown from a non-root source was honored")
	case <-time.After(100 * time.Millisecond):
	}

	send(h.cfg.RootUUID)
	select {
	case f := <-got:
		assert.Equal(t, testMasterUUID, f.Source)
		assert.Equal(t, "guard-1", f.Destination)
	case <-time.After(waitFor):
		t.Fatal("guardian did not receive shutdown")
	}

	select {
	case err := <-h.errCh:
		require.NoError(t, err)
		h.errCh <- err
	case <-time.After(waitFor):
		t.Fatal("master did not stop")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t)
	m, err := New(cfg, Options{Spawner: &fakeSpawner{}, Metrics: metrics.Static{}, Logger: logging.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()
	<-m.Ready()
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}
