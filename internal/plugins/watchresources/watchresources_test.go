package watchresources

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hotpatch/internal/events"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/scheduler"
	"github.com/mattjoyce/hotpatch/internal/unit"
	"github.com/mattjoyce/hotpatch/internal/watcher"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fakeWatcher struct {
	pinned    []string
	listeners []watcher.Listener
	units     []*unit.Unit
	watchErr  error
}

func (f *fakeWatcher) Watch(prefix string) error {
	f.pinned = append(f.pinned, prefix)
	return f.watchErr
}

func (f *fakeWatcher) AddListener(u *unit.Unit, l watcher.Listener) (watcher.ID, error) {
	f.listeners = append(f.listeners, l)
	f.units = append(f.units, u)
	return watcher.ID(len(f.listeners)), nil
}

type capture struct{ cmds map[scheduler.Key]scheduler.Command }

func (c *capture) Submit(cmd scheduler.Command) bool {
	if c.cmds == nil {
		c.cmds = make(map[scheduler.Key]scheduler.Command)
	}
	prev, ok := c.cmds[cmd.Key()]
	if ok {
		c.cmds[cmd.Key()] = cmd.(scheduler.Merger).Merge(prev)
		return true
	}
	c.cmds[cmd.Key()] = cmd
	return false
}

func TestChangesPublishOneEventPerBatch(t *testing.T) {
	root := t.TempDir()
	fw, sub, hub := &fakeWatcher{}, &capture{}, events.NewHub(16)
	r := &Resources{watcher: fw, submitter: sub, events: hub, logger: log.WithPlugin(Name)}

	require.NoError(t, r.Setup([]string{root}))
	require.Len(t, fw.listeners, 1)
	assert.Equal(t, []string{root}, fw.pinned)
	assert.Nil(t, fw.units[0])
	assert.Equal(t, watcher.AllKinds, fw.listeners[0].Kinds)

	fn := fw.listeners[0].Fn
	fn(watcher.Event{Path: filepath.Join(root, "b.txt"), Kind: watcher.Create})
	fn(watcher.Event{Path: filepath.Join(root, "a.txt"), Kind: watcher.Modify})
	fn(watcher.Event{Path: filepath.Join(root, "b.txt"), Kind: watcher.Modify})

	require.Len(t, sub.cmds, 1)
	cmd := sub.cmds[scheduler.Key{Action: Action, Subject: root}]
	require.NotNil(t, cmd)

	v, err := cmd.Execute(context.Background())
	require.NoError(t, err)
	want := []string{filepath.Join(root, "a.txt"), filepath.Join(root, "b.txt")}
	assert.Equal(t, want, v)

	published := hub.Filter(events.ResourcesChanged)
	require.Len(t, published, 1)
	var data struct {
		Root  string   `json:"root"`
		Paths []string `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(published[0].Data, &data))
	assert.Equal(t, root, data.Root)
	assert.Equal(t, want, data.Paths)
}

func TestSourceErrorsKeepTheListener(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	fw := &fakeWatcher{watchErr: &watcher.SourceError{Prefix: missing, Err: os.ErrNotExist}}
	r := &Resources{watcher: fw, submitter: &capture{}, events: events.NewHub(4), logger: log.WithPlugin(Name)}

	require.NoError(t, r.Setup([]string{missing}))
	assert.Len(t, fw.listeners, 1)

	fw.watchErr = errors.New("notifier closed")
	assert.Error(t, r.Setup([]string{missing}))
}

func TestDescriptorIsValid(t *testing.T) {
	d := Descriptor()
	require.NoError(t, d.Validate())
	assert.False(t, d.HasStaticTransform())
}
