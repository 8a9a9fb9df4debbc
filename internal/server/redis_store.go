package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// loginKeyPrefix namespaces the panel's login counters so a shared Redis can
// host other tenants without key collisions.
const loginKeyPrefix = "tubepanel:login:"

// redisLoginStore counts login attempts per client in Redis using a fixed
// window: INCR on the namespaced key, EXPIRE on the first hit, TTL for the
// retry hint. It speaks RESP over a short-lived TCP connection per check, so
// login throttling keeps working even when the go-redis event queue is not
// configured.
type redisLoginStore struct {
	addr      string
	password  string
	keyPrefix string
	timeout   time.Duration
}

func newRedisLoginStore(addr, password string, timeout time.Duration) *redisLoginStore {
	return &redisLoginStore{addr: addr, password: password, keyPrefix: loginKeyPrefix, timeout: timeout}
}

func (s *redisLoginStore) Allow(key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if key == "" {
		key = "unknown"
	}
	counter := s.keyPrefix + key

	conn, err := net.DialTimeout("tcp", s.addr, s.timeout)
	if err != nil {
		return false, 0, err
	}
	defer conn.Close()
	session := respSession{reader: bufio.NewReader(conn), writer: bufio.NewWriter(conn)}

	if s.password != "" {
		if _, err := session.do("AUTH", s.password); err != nil {
			return false, 0, err
		}
	}

	countReply, err := session.do("INCR", counter)
	if err != nil {
		return false, 0, err
	}
	count, err := asInt(countReply)
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		seconds := int64(window / time.Second)
		if seconds <= 0 {
			seconds = 1
		}
		if _, err := session.do("EXPIRE", counter, strconv.FormatInt(seconds, 10)); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}

	ttlReply, err := session.do("TTL", counter)
	if err != nil {
		return false, 0, err
	}
	ttl, err := asInt(ttlReply)
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, time.Duration(ttl) * time.Second, nil
}

// respSession runs one command at a time over a single connection.
type respSession struct {
	reader *bufio.Reader
	writer *bufio.Writer
}

func (s respSession) do(args ...string) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("redis command requires arguments")
	}
	if _, err := fmt.Fprintf(s.writer, "*%d\r\n", len(args)); err != nil {
		return nil, err
	}
	for _, arg := range args {
		if _, err := fmt.Fprintf(s.writer, "$%d\r\n%s\r\n", len(arg), arg); err != nil {
			return nil, err
		}
	}
	if err := s.writer.Flush(); err != nil {
		return nil, err
	}
	return s.readReply()
}

func (s respSession) readReply() (interface{}, error) {
	prefix, err := s.reader.ReadByte()
	if err != nil {
		return nil, err
	}
	switch prefix {
	case '+':
		return s.readLine()
	case '-':
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		return nil, errors.New(line)
	case ':':
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		return strconv.ParseInt(line, 10, 64)
	case '$':
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		length, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, nil
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(s.reader, buf); err != nil {
			return nil, err
		}
		return string(buf[:length]), nil
	default:
		return nil, fmt.Errorf("unexpected redis reply prefix %q", prefix)
	}
}

func (s respSession) readLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func asInt(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	case nil:
		return 0, errors.New("nil reply")
	default:
		return 0, fmt.Errorf("unexpected redis reply type %T", v)
	}
}
