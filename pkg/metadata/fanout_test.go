package metadata

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tuneport/raop/pkg/base"
)

func TestHubDispatch(t *testing.T) {
	hub := NewHub()

	type tuple struct {
		typ  uint32
		code uint32
		data string
	}

	got1 := make(chan tuple, 4)
	id1 := hub.Subscribe(func(typ uint32, code uint32, data []byte) {
		got1 <- tuple{typ, code, string(data)}
	})

	got2 := make(chan tuple, 4)
	hub.Subscribe(func(typ uint32, code uint32, data []byte) {
		got2 <- tuple{typ, code, string(data)}
	})

	f := &Fanout{Hub: hub}
	require.NoError(t, f.Initialize())
	defer f.Close()

	f.Send(TypeSSNC, CodeProgress, []byte("0/1/2"), nil)

	want := tuple{TypeSSNC, CodeProgress, "0/1/2"}
	require.Equal(t, want, <-got1)
	require.Equal(t, want, <-got2)

	hub.Unsubscribe(id1)
	f.Send(TypeSSNC, CodeProgress, []byte("3/4/5"), nil)
	require.Equal(t, tuple{TypeSSNC, CodeProgress, "3/4/5"}, <-got2)

	select {
	case v := <-got1:
		t.Fatalf("unsubscribed handler received %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFanoutCarrierLifetime(t *testing.T) {
	hub := NewHub()
	done := make(chan struct{}, 4)
	hub.Subscribe(func(uint32, uint32, []byte) {
		done <- struct{}{}
	})

	f := &Fanout{Hub: hub}
	require.NoError(t, f.Initialize())

	msg := base.NewMessage()
	msg.Content = []byte("carried payload")

	f.Send(TypeCore, CodePicture, msg.Content, msg)
	<-done

	f.Close()

	// the fan-out's reference has been released; ours remains.
	require.Equal(t, 1, msg.Refs())
}

func TestFanoutSaturationDropsAndReleases(t *testing.T) {
	blocked := make(chan struct{})
	inHandler := make(chan struct{}, sinkQueueSize+2)

	f := &Fanout{
		MQTTHandler: func(uint32, uint32, []byte) {
			inHandler <- struct{}{}
			<-blocked
		},
	}
	require.NoError(t, f.Initialize())

	msg := base.NewMessage()
	msg.Content = []byte("x")

	// first package occupies the worker.
	f.Send(TypeSSNC, CodePicture, msg.Content, msg)
	<-inHandler

	// fill the queue, then one more: it must not block and must release
	// the reference it took.
	start := time.Now()
	for i := 0; i < sinkQueueSize+1; i++ {
		f.Send(TypeSSNC, CodePicture, msg.Content, msg)
	}
	require.Less(t, time.Since(start), time.Second)

	// owner + in-flight + sinkQueueSize queued; the dropped package's
	// reference is gone already.
	require.Equal(t, 2+sinkQueueSize, msg.Refs())

	close(blocked)
	f.Close()

	require.Equal(t, 1, msg.Refs())
}

func openPipeReader(t *testing.T, path string) int {
	t.Helper()

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	require.NoError(t, err)
	return fd
}

func readPipe(t *testing.T, fd int, want string) string {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	var sb strings.Builder
	buf := make([]byte, 4096)

	for time.Now().Before(deadline) {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			sb.Write(buf[:n])
			if strings.Contains(sb.String(), want) {
				return sb.String()
			}
		}
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("pipe did not deliver %q, got %q", want, sb.String())
	return ""
}

func TestPipeSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata")

	f := &Fanout{
		Enabled:  true,
		PipeName: path,
	}
	require.NoError(t, f.Initialize())
	defer f.Close()

	fd := openPipeReader(t, path)
	defer unix.Close(fd)

	f.Send(TypeSSNC, CodeUserAgent, []byte("iTunes/12.8"), nil)

	payload := base64.StdEncoding.EncodeToString([]byte("iTunes/12.8"))
	got := readPipe(t, fd, "</item>\n")
	require.Equal(t,
		fmt.Sprintf("<item><type>%x</type><code>%x</code><length>11</length>\n"+
			"<data encoding=\"base64\">\n%s\n</data></item>\n",
			TypeSSNC, CodeUserAgent, payload),
		got)
}

func TestPipeSinkLongPayloadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata")

	f := &Fanout{
		Enabled:  true,
		PipeName: path,
	}
	require.NoError(t, f.Initialize())
	defer f.Close()

	fd := openPipeReader(t, path)
	defer unix.Close(fd)

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}
	f.Send(TypeCore, CodePicture, payload, nil)

	got := readPipe(t, fd, "</item>\n")

	// base64 payload lines are at most 76 characters each.
	inData := strings.SplitN(got, "<data encoding=\"base64\">\n", 2)[1]
	inData = strings.SplitN(inData, "</data>", 2)[0]

	var joined strings.Builder
	for _, line := range strings.Split(strings.TrimRight(inData, "\n"), "\n") {
		require.LessOrEqual(t, len(line), 76)
		joined.WriteString(line)
	}

	decoded, err := base64.StdEncoding.DecodeString(joined.String())
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
}

func TestPipeSinkNoReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata")

	f := &Fanout{
		Enabled:  true,
		PipeName: path,
	}
	// no process has the FIFO open for reading; that is tolerated.
	require.NoError(t, f.Initialize())
	f.Send(TypeSSNC, CodeProgress, []byte("1/2/3"), nil)
	f.Close()
}

func TestMulticastSink(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	f := &Fanout{
		Enabled:       true,
		PipeName:      filepath.Join(t.TempDir(), "metadata"),
		UDPAddress:    "127.0.0.1",
		UDPPort:       pc.LocalAddr().(*net.UDPAddr).Port,
		SockMsgLength: 64,
	}
	require.NoError(t, f.Initialize())
	defer f.Close()

	readDatagram := func() []byte {
		buf := make([]byte, 2048)
		pc.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		return buf[:n]
	}

	// small payload: type || code || payload.
	f.Send(TypeSSNC, CodeProgress, []byte("0/1/2"), nil)

	dg := readDatagram()
	require.Len(t, dg, 13)
	require.Equal(t, TypeSSNC, binary.BigEndian.Uint32(dg))
	require.Equal(t, CodeProgress, binary.BigEndian.Uint32(dg[4:]))
	require.Equal(t, "0/1/2", string(dg[8:]))

	// large payload: chunked with the "ssncchnk" protocol header.
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	f.Send(TypeCore, CodePicture, payload, nil)

	chunkPayload := 64 - 24
	var reassembled []byte
	for ix := 0; ix < 3; ix++ {
		dg = readDatagram()
		require.Equal(t, "ssncchnk", string(dg[:8]))
		require.Equal(t, uint32(ix), binary.BigEndian.Uint32(dg[8:]))
		require.Equal(t, uint32(3), binary.BigEndian.Uint32(dg[12:]))
		require.Equal(t, TypeCore, binary.BigEndian.Uint32(dg[16:]))
		require.Equal(t, CodePicture, binary.BigEndian.Uint32(dg[20:]))
		require.LessOrEqual(t, len(dg)-24, chunkPayload)
		reassembled = append(reassembled, dg[24:]...)
	}
	require.Equal(t, payload, reassembled)
}
