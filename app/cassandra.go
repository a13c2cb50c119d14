package app

import (
	"time"

	"github.com/gocql/gocql"
)

type CassandraConfig struct {
	Nodes       string  `yaml:"Nodes"`
	Keyspace    string  `yaml:"Keyspace"`
	Consistency *string `yaml:"Consistency"`
}

func ConnectCassandra(config CassandraConfig) (*gocql.Session, error) {
	cluster := gocql.NewCluster(config.Nodes)
	cluster.Keyspace = config.Keyspace
	if cluster.Keyspace == "" {
		cluster.Keyspace = "dosewatch"
	}
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	if config.Consistency != nil {
		cluster.Consistency = gocql.ParseConsistency(*config.Consistency)
	} else {
		cluster.Consistency = gocql.Quorum
	}
	return cluster.CreateSession()
}
