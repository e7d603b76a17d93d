package catalog

// script is a package with fixed install and delete command lists
type script struct {
	id          string
	description string
	install     []string
	remove      []string
}

func (s script) ID() string          { return s.id }
func (s script) Description() string { return s.description }
func (s script) Tag() string         { return s.id }

func (s script) Commands(action Action) []string {
	if action == ActionInstall {
		return s.install
	}
	return s.remove
}

// echo is a connectivity check. It never changes the server's tags.
type echo struct{}

func (echo) ID() string          { return "echo" }
func (echo) Description() string { return "Connectivity check, prints a test line" }
func (echo) Tag() string         { return "" }

func (echo) Commands(action Action) []string {
	if action == ActionInstall {
		return []string{`echo "test"`}
	}
	return nil
}

var grafana = script{
	id:          "grafana",
	description: "Grafana metrics dashboard on port 3000",
	install: []string{
		"sudo dnf -y install grafana",
		"sudo systemctl start grafana-server",
		"sudo systemctl enable grafana-server",
		"sudo systemctl status grafana-server",
		"sudo firewall-cmd --add-port=3000/tcp --permanent",
		"sudo firewall-cmd --reload",
	},
	remove: []string{
		"sudo systemctl stop grafana-server",
		"sudo dnf -y remove grafana",
	},
}

var matplotlib = script{
	id:          "matplotlib",
	description: "Matplotlib plotting library",
	install: []string{
		"sudo dnf install -y pip",
		"pip install matplotlib",
	},
	remove: []string{
		"pip uninstall -y matplotlib",
	},
}

var mongo = script{
	id:          "mongo",
	description: "MongoDB 4.4 server",
	install: []string{
		`echo "[mongodb-upstream]" | sudo tee /etc/yum.repos.d/mongodb.repo`,
		`echo "name=MongoDB Repository" | sudo tee -a /etc/yum.repos.d/mongodb.repo`,
		`echo "baseurl=https://repo.mongodb.org/yum/redhat/\$releasever/mongodb-org/4.4/x86_64/" | sudo tee -a /etc/yum.repos.d/mongodb.repo`,
		`echo "gpgcheck=1" | sudo tee -a /etc/yum.repos.d/mongodb.repo`,
		`echo "enabled=1" | sudo tee -a /etc/yum.repos.d/mongodb.repo`,
		`echo "gpgkey=https://www.mongodb.org/static/pgp/server-4.4.asc" | sudo tee -a /etc/yum.repos.d/mongodb.repo`,
		"sudo dnf -y update",
		"sudo dnf -y install mongodb-org",
		"sudo systemctl start mongod",
		"sudo systemctl enable mongod",
		"mongod --version",
	},
	remove: []string{
		"sudo systemctl stop mongod",
		"sudo dnf -y remove mongodb-org",
		"sudo rm -r /var/log/mongodb",
		"sudo rm -r /var/lib/mongo",
		"sudo userdel mongodb",
		"sudo groupdel mongodb",
		"sudo rm /etc/yum.repos.d/mongodb.repo",
	},
}

var postgres = script{
	id:          "postgres",
	description: "PostgreSQL server",
	install: []string{
		"sudo dnf -y install postgresql-server postgresql-contrib",
		"sudo systemctl enable postgresql",
		"sudo postgresql-setup --initdb --unit postgresql",
		"sudo systemctl start postgresql",
	},
	remove: []string{
		"sudo systemctl stop postgresql",
		"sudo dnf -y remove postgresql-server postgresql-contrib",
		"sudo rm -rf /var/lib/pgsql/",
		"sudo userdel postgres",
		"sudo groupdel postgres",
	},
}

var torch = script{
	id:          "torch",
	description: "PyTorch (CPU build) with torchvision and torchaudio",
	install: []string{
		"sudo dnf install -y python3-pip",
		"pip3 install torch==1.10.0+cpu torchvision==0.11.1+cpu torchaudio==0.10.0+cpu -f https://download.pytorch.org/whl/cpu/torch_stable.html",
	},
	remove: []string{
		"python3 -m pip uninstall -y torch",
		"python3 -m pip uninstall -y torchvision",
		"python3 -m pip uninstall -y torchaudio",
	},
}

var tensorflow = script{
	id:          "tensorflow",
	description: "TensorFlow",
	install: []string{
		"sudo dnf install -y python3-pip",
		"sudo dnf install -y tensorflow",
	},
	remove: []string{
		"python3 -m pip uninstall -y tensorflow",
	},
}

// Default returns the catalog of every supported package
func Default() *Catalog {
	c := New()
	for _, entry := range []Entry{echo{}, grafana, matplotlib, mongo, postgres, torch, tensorflow} {
		if err := c.Register(entry); err != nil {
			panic(err)
		}
	}
	return c
}
