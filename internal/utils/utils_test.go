package utils_test

import (
	"os"
	"path/filepath"

	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("utils", func() {
	var tmp string

	BeforeEach(func() {
		tmp = GinkgoT().TempDir()
	})

	Context("LoadLayout", func() {
		BeforeEach(func() {
			for _, k := range []string{"KSUD_LAYOUT", "KSU_ADB_DIR", "KSU_TEMP_DIR", "KSU_MODULE_DIR", "KSU_BIN_DIR"} {
				GinkgoT().Setenv(k, "")
			}
		})

		It("uses the Android layout without a file", func() {
			l, err := utils.LoadLayout(filepath.Join(tmp, "missing.env"))
			Expect(err).ToNot(HaveOccurred())
			Expect(l).To(Equal(schema.DefaultLayout()))
			Expect(l.ModuleDir).To(Equal("/data/adb/modules"))
			Expect(l.ModuleImage()).To(Equal("/data/adb/ksu/modules.img"))
		})

		It("re-derives the layout from the adb dir", func() {
			env := filepath.Join(tmp, "layout.env")
			Expect(os.WriteFile(env, []byte("KSU_ADB_DIR=\"/tmp/adb\"\nKSU_BIN_DIR=/opt/bin\n"), 0o644)).To(Succeed())
			l, err := utils.LoadLayout(env)
			Expect(err).ToNot(HaveOccurred())
			Expect(l.WorkingDir).To(Equal("/tmp/adb/ksu"))
			Expect(l.ModuleDir).To(Equal("/tmp/adb/modules"))
			Expect(l.StageDir("service")).To(Equal("/tmp/adb/service.d"))
			Expect(l.BinDir).To(Equal("/opt/bin"))
			Expect(l.TempDir).To(Equal("/debug_ramdisk"))
		})

		It("lets the environment win over the file", func() {
			env := filepath.Join(tmp, "layout.env")
			Expect(os.WriteFile(env, []byte("KSU_MODULE_DIR=/from/file\n"), 0o644)).To(Succeed())
			GinkgoT().Setenv("KSU_MODULE_DIR", "/from/env")
			GinkgoT().Setenv("KSU_TEMP_DIR", "/scratch")
			l, err := utils.LoadLayout(env)
			Expect(err).ToNot(HaveOccurred())
			Expect(l.ModuleDir).To(Equal("/from/env"))
			Expect(l.MagicWorkDir).To(Equal("/scratch/workdir"))
		})

		It("reads the file named by KSUD_LAYOUT", func() {
			env := filepath.Join(tmp, "other.env")
			Expect(os.WriteFile(env, []byte("KSU_ADB_DIR=/other\n"), 0o644)).To(Succeed())
			GinkgoT().Setenv("KSUD_LAYOUT", env)
			l, err := utils.LoadLayout("")
			Expect(err).ToNot(HaveOccurred())
			Expect(l.AdbDir).To(Equal("/other"))
		})
	})

	Context("SwitchCgroupsIn", func() {
		It("appends the pid to every cgroup.procs it finds", func() {
			a := filepath.Join(tmp, "acct")
			b := filepath.Join(tmp, "cgroup")
			missing := filepath.Join(tmp, "memcg")
			for _, d := range []string{a, b} {
				Expect(os.MkdirAll(d, 0o755)).To(Succeed())
				Expect(os.WriteFile(filepath.Join(d, "cgroup.procs"), nil, 0o644)).To(Succeed())
			}
			Expect(utils.SwitchCgroupsIn([]string{a, missing, b}, 42)).To(Succeed())
			Expect(os.ReadFile(filepath.Join(a, "cgroup.procs"))).To(Equal([]byte("42\n")))
			Expect(os.ReadFile(filepath.Join(b, "cgroup.procs"))).To(Equal([]byte("42\n")))
			Expect(filepath.Join(missing, "cgroup.procs")).ToNot(BeAnExistingFile())
		})

		It("adds the per app memcg only when enabled", func() {
			Expect(utils.CgroupDirs(false)).ToNot(ContainElement("/dev/memcg/apps"))
			Expect(utils.CgroupDirs(true)).To(ContainElement("/dev/memcg/apps"))
		})
	})

	Context("ScriptRunner", func() {
		var runner utils.ScriptRunner
		var out string

		BeforeEach(func() {
			runner = utils.ScriptRunner{
				Layout:        schema.LayoutFor(filepath.Join(tmp, "adb"), filepath.Join(tmp, "ramdisk")),
				KernelVersion: 12000,
				Shell:         []string{"/bin/sh"},
			}
			out = filepath.Join(tmp, "out")
		})

		It("exports the module environment", func() {
			env := runner.Environ("KSU_MODULE=alpha")
			Expect(env).To(ContainElements("KSU=true", "ASH_STANDALONE=1", "KSU_KERNEL_VER_CODE=12000", "KSU_MODULE=alpha"))
			Expect(env).To(ContainElement(HaveSuffix(":" + runner.Layout.BinDir)))
		})

		It("runs a script from its own dir with extra env", func() {
			dir := filepath.Join(tmp, "mod")
			Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
			script := filepath.Join(dir, "service.sh")
			Expect(os.WriteFile(script, []byte("echo \"$KSU_MODULE $(pwd)\" > "+out+"\n"), 0o644)).To(Succeed())
			Expect(runner.Run(script, true, "KSU_MODULE=alpha")).To(Succeed())
			Expect(os.ReadFile(out)).To(Equal([]byte("alpha " + dir + "\n")))
		})

		It("runs executable stage scripts in name order", func() {
			dir := filepath.Join(tmp, "service.d")
			Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "b.sh"), []byte("echo b >> "+out+"\n"), 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "a.sh"), []byte("echo a >> "+out+"\n"), 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "c.sh"), []byte("echo c >> "+out+"\n"), 0o644)).To(Succeed())
			Expect(os.MkdirAll(filepath.Join(dir, "d.sh"), 0o755)).To(Succeed())
			Expect(runner.RunDir(dir, true)).To(Succeed())
			Expect(os.ReadFile(out)).To(Equal([]byte("a\nb\n")))
		})

		It("ignores a missing stage dir", func() {
			Expect(runner.RunDir(filepath.Join(tmp, "nope.d"), true)).To(Succeed())
		})

		It("reports failing scripts", func() {
			dir := filepath.Join(tmp, "post-fs-data.d")
			Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "fail.sh"), []byte("exit 3\n"), 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "ok.sh"), []byte("echo ok > "+out+"\n"), 0o755)).To(Succeed())
			Expect(runner.RunDir(dir, true)).To(MatchError(ContainSubstring("fail.sh")))
			Expect(out).To(BeAnExistingFile())
		})
	})

	Context("EnsureFileExists", func() {
		It("creates the file and its parents", func() {
			p := filepath.Join(tmp, "a", "b", "flag")
			Expect(utils.EnsureFileExists(p)).To(Succeed())
			Expect(p).To(BeAnExistingFile())
			Expect(utils.EnsureFileExists(p)).To(Succeed())
		})

		It("refuses a directory", func() {
			Expect(utils.EnsureFileExists(tmp)).To(HaveOccurred())
		})
	})

	Context("EnsureCleanDir", func() {
		It("empties the dir", func() {
			Expect(os.WriteFile(filepath.Join(tmp, "stale"), nil, 0o644)).To(Succeed())
			Expect(utils.EnsureCleanDir(tmp)).To(Succeed())
			entries, err := os.ReadDir(tmp)
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})
	})
})
