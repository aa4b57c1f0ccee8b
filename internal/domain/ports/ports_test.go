package ports

import (
	"context"
	"reflect"
	"testing"

	"torrentcore/internal/domain"
)

func TestSessionInterface(t *testing.T) {
	typ := reflect.TypeOf((*Session)(nil)).Elem()
	id := reflect.TypeOf(domain.TorrentID{})

	assertMethod(t, typ, "AddTorrent", []reflect.Type{contextType(), reflect.TypeOf(domain.AddTorrentRequest{})}, []reflect.Type{errorType()})
	assertMethod(t, typ, "CreateTorrent", []reflect.Type{contextType(), reflect.TypeOf(domain.CreateTorrentRequest{})}, []reflect.Type{
		reflect.TypeOf(domain.CreateTorrentResult{}),
		errorType(),
	})
	assertMethod(t, typ, "RemoveTorrent", []reflect.Type{contextType(), id, reflect.TypeOf(false)}, []reflect.Type{errorType()})
	assertMethod(t, typ, "PauseTorrent", []reflect.Type{contextType(), id}, []reflect.Type{errorType()})
	assertMethod(t, typ, "ResumeTorrent", []reflect.Type{contextType(), id}, []reflect.Type{errorType()})
	assertMethod(t, typ, "SetSequential", []reflect.Type{contextType(), id, reflect.TypeOf(false)}, []reflect.Type{errorType()})
	assertMethod(t, typ, "LoadFastresume", []reflect.Type{contextType(), id, reflect.TypeOf([]byte{})}, []reflect.Type{errorType()})
	assertMethod(t, typ, "UpdateLimits", []reflect.Type{contextType(), reflect.PointerTo(id), reflect.TypeOf(domain.Limits{})}, []reflect.Type{errorType()})
	assertMethod(t, typ, "UpdateSelection", []reflect.Type{contextType(), id, reflect.TypeOf(domain.FileSelection{})}, []reflect.Type{errorType()})
	assertMethod(t, typ, "UpdateOptions", []reflect.Type{contextType(), id, reflect.TypeOf(domain.TorrentOptions{})}, []reflect.Type{errorType()})
	assertMethod(t, typ, "UpdateTrackers", []reflect.Type{contextType(), id, reflect.TypeOf(domain.TrackerUpdate{})}, []reflect.Type{errorType()})
	assertMethod(t, typ, "UpdateWebSeeds", []reflect.Type{contextType(), id, reflect.TypeOf(domain.WebSeedUpdate{})}, []reflect.Type{errorType()})
	assertMethod(t, typ, "SetPieceDeadline", []reflect.Type{contextType(), id, reflect.TypeOf(domain.PieceDeadline{})}, []reflect.Type{errorType()})
	assertMethod(t, typ, "Reannounce", []reflect.Type{contextType(), id}, []reflect.Type{errorType()})
	assertMethod(t, typ, "MoveTorrent", []reflect.Type{contextType(), id, reflect.TypeOf("")}, []reflect.Type{errorType()})
	assertMethod(t, typ, "Recheck", []reflect.Type{contextType(), id}, []reflect.Type{errorType()})
	assertMethod(t, typ, "Peers", []reflect.Type{contextType(), id}, []reflect.Type{
		reflect.SliceOf(reflect.TypeOf(domain.PeerInfo{})),
		errorType(),
	})
	assertMethod(t, typ, "ApplyConfig", []reflect.Type{contextType(), reflect.TypeOf(domain.NativeOptions{})}, []reflect.Type{errorType()})
	assertMethod(t, typ, "PollEvents", []reflect.Type{contextType()}, []reflect.Type{
		reflect.SliceOf(reflect.TypeOf((*domain.EngineEvent)(nil)).Elem()),
		errorType(),
	})
	assertMethod(t, typ, "InspectSettings", []reflect.Type{contextType()}, []reflect.Type{
		reflect.TypeOf(domain.EngineSettings{}),
		errorType(),
	})
}

func TestResumeStoreInterface(t *testing.T) {
	typ := reflect.TypeOf((*ResumeStore)(nil)).Elem()
	id := reflect.TypeOf(domain.TorrentID{})

	assertMethod(t, typ, "EnsureInitialized", []reflect.Type{contextType()}, []reflect.Type{errorType()})
	assertMethod(t, typ, "LoadAll", []reflect.Type{contextType()}, []reflect.Type{
		reflect.SliceOf(reflect.TypeOf(domain.StoredTorrentState{})),
		errorType(),
	})
	assertMethod(t, typ, "WriteFastresume", []reflect.Type{contextType(), id, reflect.TypeOf([]byte{})}, []reflect.Type{errorType()})
	assertMethod(t, typ, "WriteMetadata", []reflect.Type{contextType(), id, reflect.TypeOf(domain.StoredTorrentMetadata{})}, []reflect.Type{errorType()})
	assertMethod(t, typ, "Remove", []reflect.Type{contextType(), id}, []reflect.Type{errorType()})
}

func assertMethod(t *testing.T, typ reflect.Type, name string, in []reflect.Type, out []reflect.Type) {
	t.Helper()
	method, ok := typ.MethodByName(name)
	if !ok {
		t.Fatalf("missing method %s", name)
	}

	if method.Type.NumIn() != len(in) {
		t.Fatalf("%s NumIn = %d, want %d", name, method.Type.NumIn(), len(in))
	}
	for i, typIn := range in {
		if got := method.Type.In(i); got != typIn {
			t.Fatalf("%s In[%d] = %s, want %s", name, i, got, typIn)
		}
	}

	if method.Type.NumOut() != len(out) {
		t.Fatalf("%s NumOut = %d, want %d", name, method.Type.NumOut(), len(out))
	}
	for i, typOut := range out {
		if got := method.Type.Out(i); got != typOut {
			t.Fatalf("%s Out[%d] = %s, want %s", name, i, got, typOut)
		}
	}
}

func contextType() reflect.Type {
	return reflect.TypeOf((*context.Context)(nil)).Elem()
}

func errorType() reflect.Type {
	return reflect.TypeOf((*error)(nil)).Elem()
}
