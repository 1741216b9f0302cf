package cmd_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/kernelsu/ksud/internal/cmd"
	"github.com/kernelsu/ksud/pkg/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gopkg.in/yaml.v3"
)

var _ = Describe("ksud command line", func() {
	var adb string
	var out *bytes.Buffer

	run := func(args ...string) error {
		app := cmd.NewApp()
		out = &bytes.Buffer{}
		app.Writer = out
		app.ErrWriter = &bytes.Buffer{}
		return app.Run(append([]string{"ksud"}, args...))
	}

	writeModule := func(id string, files map[string]string) {
		dir := filepath.Join(adb, "modules", id)
		Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
		for name, content := range files {
			Expect(os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)).To(Succeed())
		}
	}

	BeforeEach(func() {
		tmp := GinkgoT().TempDir()
		adb = filepath.Join(tmp, "adb")
		Expect(os.MkdirAll(adb, 0o755)).To(Succeed())
		GinkgoT().Setenv("KSUD_LAYOUT", filepath.Join(tmp, "missing.env"))
		GinkgoT().Setenv("KSU_ADB_DIR", adb)
		GinkgoT().Setenv("KSU_TEMP_DIR", filepath.Join(tmp, "debug_ramdisk"))
		GinkgoT().Setenv("KSU_MODULE", "")
	})

	Describe("module list", func() {
		BeforeEach(func() {
			writeModule("alpha", map[string]string{"module.prop": "id=alpha\nname=Alpha\nversion=v1\n"})
			writeModule("beta", map[string]string{"module.prop": "id=beta\nname=Beta\n", "disable": "", "action.sh": "echo hi\n"})
		})

		It("prints JSON by default", func() {
			Expect(run("module", "list")).To(Succeed())
			var mods []schema.Module
			Expect(json.Unmarshal(out.Bytes(), &mods)).To(Succeed())
			Expect(mods).To(HaveLen(2))
			Expect(mods[0].ID).To(Equal("alpha"))
			Expect(mods[0].Enabled).To(BeTrue())
			Expect(mods[0].Props).To(HaveKeyWithValue("version", "v1"))
			Expect(mods[1].ID).To(Equal("beta"))
			Expect(mods[1].Enabled).To(BeFalse())
			Expect(mods[1].Action).To(BeTrue())
		})

		It("prints YAML on request", func() {
			Expect(run("module", "list", "--output", "yaml")).To(Succeed())
			var mods []schema.Module
			Expect(yaml.Unmarshal(out.Bytes(), &mods)).To(Succeed())
			Expect(mods).To(HaveLen(2))
			Expect(mods[1].Props).To(HaveKeyWithValue("name", "Beta"))
		})

		It("prints an empty list without modules", func() {
			Expect(os.RemoveAll(filepath.Join(adb, "modules"))).To(Succeed())
			Expect(run("module", "list")).To(Succeed())
			Expect(out.String()).To(Equal("[]\n"))
		})

		It("rejects unknown formats", func() {
			Expect(run("module", "list", "-o", "toml")).To(MatchError(ContainSubstring("unknown output format")))
		})
	})

	Describe("module config", func() {
		It("needs a module", func() {
			Expect(run("module", "config", "list")).To(MatchError(ContainSubstring("no module given")))
		})

		It("rejects invalid module ids", func() {
			Expect(run("module", "config", "--module", "1bad", "list")).To(HaveOccurred())
		})

		It("overrides persistent entries with temp ones", func() {
			GinkgoT().Setenv("KSU_MODULE", "alpha")
			Expect(run("module", "config", "set", "theme", "dark")).To(Succeed())
			Expect(run("module", "config", "set", "lang", "en")).To(Succeed())
			Expect(run("module", "config", "set", "--temp", "theme", "light")).To(Succeed())

			Expect(run("module", "config", "get", "theme")).To(Succeed())
			Expect(out.String()).To(Equal("light\n"))

			Expect(run("module", "config", "list")).To(Succeed())
			Expect(out.String()).To(Equal("lang=en\ntheme=light\n"))

			Expect(run("module", "config", "clear", "--temp")).To(Succeed())
			Expect(run("module", "config", "get", "theme")).To(Succeed())
			Expect(out.String()).To(Equal("dark\n"))

			Expect(run("module", "config", "delete", "lang")).To(Succeed())
			Expect(run("module", "config", "get", "lang")).To(MatchError(ContainSubstring("not found")))
		})

		It("stores entries under the config dir", func() {
			Expect(run("module", "config", "-m", "alpha", "set", "k", "v")).To(Succeed())
			Expect(filepath.Join(adb, "ksu", "module_configs", "alpha", "persist.config")).To(BeAnExistingFile())
		})
	})

	Describe("feature load", func() {
		It("prints nothing when no config was saved", func() {
			Expect(run("feature", "load")).To(Succeed())
			Expect(out.String()).To(BeEmpty())
		})

		It("rejects unknown features", func() {
			Expect(run("feature", "get", "nope")).To(MatchError(ContainSubstring("unknown feature")))
		})
	})

	Describe("debug mount-plan", func() {
		It("reports when nothing is mounted", func() {
			writeModule("alpha", map[string]string{"module.prop": "id=alpha\n"})
			Expect(run("debug", "mount-plan")).To(Succeed())
			Expect(out.String()).To(Equal("nothing to mount\n"))
		})
	})

	Describe("debug xcp", func() {
		It("copies a file", func() {
			src := filepath.Join(adb, "src.img")
			dst := filepath.Join(adb, "dst.img")
			Expect(os.WriteFile(src, []byte("payload"), 0o644)).To(Succeed())
			Expect(run("debug", "xcp", src, dst)).To(Succeed())
			Expect(os.ReadFile(dst)).To(Equal([]byte("payload")))
		})
	})

	Describe("boot stages", func() {
		It("fall back to magic mount on an unknown mount mode", func() {
			Expect(run("post-fs-data", "--dry-run", "--mount-mode", "bind")).To(Succeed())
		})

		It("fall back to the default layout when the layout file is unreadable", func() {
			GinkgoT().Setenv("KSUD_LAYOUT", adb)
			Expect(run("post-fs-data", "--dry-run")).To(Succeed())
			Expect(run("services", "--dry-run")).To(Succeed())
			Expect(run("boot-completed", "--dry-run")).To(Succeed())
		})

		It("still fail other commands on an unreadable layout", func() {
			GinkgoT().Setenv("KSUD_LAYOUT", adb)
			Expect(run("module", "list")).To(HaveOccurred())
		})
	})

	It("prints the version", func() {
		Expect(run("version")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("10940"))
	})
})
