package postgres

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/SplitFi/go-salesindexer/env"
	"github.com/SplitFi/go-salesindexer/service/logger"
)

type connectionParams struct {
	user     string
	password string
	dbname   string
	host     string
	port     int
}

// ConnectionOption overrides a connection parameter read from the environment
type ConnectionOption func(*connectionParams)

func WithHost(host string) ConnectionOption {
	return func(p *connectionParams) { p.host = host }
}

func WithPort(port int) ConnectionOption {
	return func(p *connectionParams) { p.port = port }
}

func WithDatabase(name string) ConnectionOption {
	return func(p *connectionParams) { p.dbname = name }
}

func newConnectionParamsFromEnv() connectionParams {
	return connectionParams{
		user:     env.GetString("POSTGRES_USER"),
		password: env.GetString("POSTGRES_PASSWORD"),
		dbname:   env.GetString("POSTGRES_DB"),
		host:     env.GetString("POSTGRES_HOST"),
		port:     env.GetInt("POSTGRES_PORT"),
	}
}

func (p connectionParams) url() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.user, p.password),
		Host:   fmt.Sprintf("%s:%d", p.host, p.port),
		Path:   p.dbname,
	}
	return u.String()
}

// NewPgxClient connects a pool using the POSTGRES_* variables. It panics if the database is unreachable.
func NewPgxClient(opts ...ConnectionOption) *pgxpool.Pool {
	params := newConnectionParamsFromEnv()
	for _, opt := range opts {
		opt(&params)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(params.url())
	checkNoErr(err)
	cfg.MaxConns = int32(env.GetInt("POSTGRES_MAX_CONNS"))
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}

	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	checkNoErr(err)

	err = pool.Ping(ctx)
	checkNoErr(err)

	logger.For(ctx).Infof("connected to postgres at %s:%d", params.host, params.port)
	return pool
}

func checkNoErr(err error) {
	if err != nil {
		panic(err)
	}
}
