package sessioncache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.etcd.io/etcd/clientv3"
)

const (
	timeout  = 2 * time.Second
	modified = "__Modified"
)

var (
	ErrCacheKeyNotFound = errors.New("Key not found")
)

// Etcd is a Provider backed by a shared etcd cluster, so every server
// behind the VIP sees the same resumable sessions.
type Etcd struct {
	cli *clientv3.Client
}

func NewEtcd(endpoints []string) (*Etcd, error) {
	if len(endpoints) == 0 {
		endpoints = append(endpoints, "http://localhost:2379")
	}
	etcdCli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	return &Etcd{cli: etcdCli}, nil
}

func (s *Etcd) Store(key string, value []byte) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err = s.cli.Put(ctx, key, string(value))
	if err != nil {
		return err
	}

	_, err = s.cli.Put(ctx, key+modified, strconv.Itoa(int(time.Now().Unix())))
	return err
}

func (s *Etcd) Load(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	resp, err := s.cli.Get(ctx, key)
	cancel()
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Count == 0 {
		return nil, ErrCacheKeyNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (s *Etcd) Delete(key string) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err = s.cli.Delete(ctx, key)
	if err != nil {
		return err
	}
	_, err = s.cli.Delete(ctx, key+modified)
	return err
}

func (s *Etcd) Exists(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	k, err := s.cli.Get(ctx, key)
	if err != nil || k == nil || k.Count == 0 {
		return false
	}
	return true
}
